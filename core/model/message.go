package model

import "time"

// MessageKind identifies one of the three wire frame kinds.
type MessageKind int

const (
	KindCall       MessageKind = 2
	KindCallResult MessageKind = 3
	KindCallError  MessageKind = 4
)

func (k MessageKind) String() string {
	switch k {
	case KindCall:
		return "CALL"
	case KindCallResult:
		return "CALL_RESULT"
	case KindCallError:
		return "CALL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Direction indicates whether a message was received from or sent to a device.
type Direction string

const (
	DirIncoming Direction = "incoming"
	DirOutgoing Direction = "outgoing"
)

// Protocol actions handled by the ingestion pipeline.
const (
	ActionHeartbeat          = "Heartbeat"
	ActionBootNotification   = "BootNotification"
	ActionStatusNotification = "StatusNotification"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionRemoteStart        = "RemoteStartTransaction"
	ActionRemoteStop         = "RemoteStopTransaction"
	ActionChangeConfig       = "ChangeConfiguration"
)

// Message is one persisted protocol message. Immutable once stored; Sequence
// is assigned per device when the message lands in the log and defines the
// replay order.
type Message struct {
	DeviceID      string         `json:"device_id"`
	Sequence      int64          `json:"sequence"`
	Kind          MessageKind    `json:"kind"`
	CorrelationID string         `json:"correlation_id"`
	Action        string         `json:"action,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Direction     Direction      `json:"direction"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AuditEntry is the record published on the audit channel for every
// persisted message.
type AuditEntry struct {
	DeviceID    string         `json:"device_id"`
	MessageType string         `json:"message_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Direction   Direction      `json:"direction"`
	RawMessage  string         `json:"raw_message,omitempty"`
	MessageID   string         `json:"message_id"`
	Timestamp   time.Time      `json:"timestamp"`
}
