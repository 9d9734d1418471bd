// Package events defines the protocol and billing events emitted on the
// event bus.
//
// Available event types:
//   - ConnectionEvent: device link established or lost
//   - StatusEvent: connector status change
//   - TransactionEvent: transaction opened or closed on the wire
//   - MeterEvent: latest cumulative energy reading
//   - CommandEvent: queued command outcome
//   - ChargingStoppedEvent: billing session settled
package events
