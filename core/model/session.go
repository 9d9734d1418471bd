package model

import "time"

// SessionStatus describes the lifecycle of a billing session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// StopReason records why a session ended.
type StopReason string

const (
	StopReasonRemote       StopReason = "Remote"
	StopReasonDisconnected StopReason = "Disconnected"
)

// ChargingSession is one billing session tracked by the session store.
// Meter values are cumulative Wh readings reported by the device.
type ChargingSession struct {
	ID            string        `json:"id"`
	DeviceID      string        `json:"device_id"`
	ConnectorID   int           `json:"connector_id"`
	CustomerID    string        `json:"customer_id,omitempty"`
	TransactionID int           `json:"transaction_id,omitempty"`
	Status        SessionStatus `json:"status"`
	StopReason    StopReason    `json:"stop_reason,omitempty"`
	MeterStart    *float64      `json:"meter_start,omitempty"`
	MeterEnd      *float64      `json:"meter_end,omitempty"`
	Preauthorized float64       `json:"preauthorized"`
	FinalAmount   float64       `json:"final_amount"`
	RefundAmount  float64       `json:"refund_amount"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// Tariff holds the pricing applied when settling a session.
type Tariff struct {
	UnitRatePerKWh float64 `json:"unit_rate_per_kwh"`
	TaxRate        float64 `json:"tax_rate"`
}
