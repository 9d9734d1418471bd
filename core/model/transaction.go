package model

import "time"

// ActiveTransaction is the state inferred from the message log for a device.
// It is derived on demand and never persisted.
type ActiveTransaction struct {
	TransactionID int       `json:"transaction_id"`
	ConnectorID   int       `json:"connector_id"`
	StartedAt     time.Time `json:"started_at"`
}
