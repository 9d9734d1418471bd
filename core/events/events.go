package events

import (
	"time"

	"github.com/kilianp07/csms/core/model"
)

// ConnectionEvent is published when a device connects or drops.
type ConnectionEvent struct {
	DeviceID  string
	Connected bool
	At        time.Time
}

// StatusEvent is published when a connector reports a status change.
type StatusEvent struct {
	DeviceID    string
	ConnectorID int
	Status      string
	At          time.Time
}

// TransactionEvent is published when a transaction opens or closes on the wire.
type TransactionEvent struct {
	DeviceID      string
	ConnectorID   int
	TransactionID int
	Started       bool
	At            time.Time
}

// MeterEvent carries the latest cumulative energy reading of a connector.
type MeterEvent struct {
	DeviceID    string
	ConnectorID int
	EnergyWh    float64
	At          time.Time
}

// CommandEvent reports the outcome of a queued operator command.
type CommandEvent struct {
	Kind     model.CommandKind
	Response model.CommandResponse
}

// ChargingStoppedEvent notifies collaborators that a billing session ended.
// It is emitted whether or not a refund was issued.
type ChargingStoppedEvent struct {
	SessionID     string
	DeviceID      string
	TransactionID int
	Reason        model.StopReason
	FinalAmount   float64
	RefundAmount  float64
	At            time.Time
}
