package store

import (
	"context"

	"github.com/kilianp07/csms/core/model"
)

// MessageStore persists protocol messages and serves the bounded windows
// used by transaction inference.
type MessageStore interface {
	// Append stores the message. The caller assigns the sequence number.
	Append(ctx context.Context, msg model.Message) error
	// Recent returns up to limit messages for the device, newest first.
	Recent(ctx context.Context, deviceID string, limit int) ([]model.Message, error)
	// LastSequence returns the highest sequence stored for the device, or 0.
	LastSequence(ctx context.Context, deviceID string) (int64, error)
	Close() error
}

// SessionStore tracks billing sessions.
type SessionStore interface {
	ActiveSessions(ctx context.Context, deviceID string) ([]model.ChargingSession, error)
	StopSession(ctx context.Context, s model.ChargingSession) error
	Close() error
}

// BalanceService credits customer balances. Credit must be idempotent for a
// given tag; a repeated tag is a no-op.
type BalanceService interface {
	Credit(ctx context.Context, customerID string, amount float64, tag string) error
}

// TariffSource resolves the tariff applied to a device, if any.
type TariffSource interface {
	TariffFor(ctx context.Context, deviceID string) (*model.Tariff, error)
}
