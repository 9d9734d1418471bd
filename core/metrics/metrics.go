package metrics

import (
	"time"

	"github.com/kilianp07/csms/core/model"
)

// CommandResult represents one settled operator command to be recorded.
type CommandResult struct {
	Kind      model.CommandKind
	DeviceID  string
	Status    model.CommandStatus
	ErrorCode string
	Latency   time.Duration
	Time      time.Time
}

// Sink records command outcomes for observability purposes.
type Sink interface {
	RecordCommandResult(results []CommandResult) error
}

// FrameEvent is one protocol frame crossing the wire.
type FrameEvent struct {
	DeviceID  string
	Kind      model.MessageKind
	Action    string
	Direction model.Direction
	Time      time.Time
}

// FrameRecorder records protocol frames.
type FrameRecorder interface {
	RecordFrame(ev FrameEvent) error
}

// MeterReading is the latest cumulative energy sample of a connector.
type MeterReading struct {
	DeviceID    string
	ConnectorID int
	EnergyWh    float64
	Time        time.Time
}

// MeterRecorder records meter readings.
type MeterRecorder interface {
	RecordMeterReading(ev MeterReading) error
}

// ConnectionRecorder records the number of connected devices.
type ConnectionRecorder interface {
	RecordConnectedDevices(n int) error
}

// ConnectorStatusEvent is one reported connector status change.
type ConnectorStatusEvent struct {
	DeviceID    string
	ConnectorID int
	Status      string
	Time        time.Time
}

// StatusRecorder records connector status changes.
type StatusRecorder interface {
	RecordConnectorStatus(ev ConnectorStatusEvent) error
}

// TransactionLifecycleEvent marks a transaction opening or closing on the wire.
type TransactionLifecycleEvent struct {
	DeviceID      string
	ConnectorID   int
	TransactionID int
	Started       bool
	Time          time.Time
}

// TransactionRecorder records transaction lifecycle changes.
type TransactionRecorder interface {
	RecordTransaction(ev TransactionLifecycleEvent) error
}

// ReconciliationEvent reports one settled session after a disconnect.
type ReconciliationEvent struct {
	DeviceID     string
	SessionID    string
	FinalAmount  float64
	RefundAmount float64
	Time         time.Time
}

// ReconciliationRecorder records session settlements.
type ReconciliationRecorder interface {
	RecordReconciliation(ev ReconciliationEvent) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordCommandResult([]CommandResult) error { return nil }
func (NopSink) RecordFrame(FrameEvent) error              { return nil }
func (NopSink) RecordMeterReading(MeterReading) error     { return nil }
func (NopSink) RecordConnectedDevices(int) error          { return nil }
func (NopSink) RecordConnectorStatus(ConnectorStatusEvent) error {
	return nil
}
func (NopSink) RecordTransaction(TransactionLifecycleEvent) error {
	return nil
}
func (NopSink) RecordReconciliation(ReconciliationEvent) error {
	return nil
}
