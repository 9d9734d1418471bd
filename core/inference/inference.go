package inference

import (
	"context"
	"sort"
	"time"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
)

// Default bounds. The staleness bound guards against ghost sessions left by
// devices that crashed without sending StopTransaction.
const (
	DefaultStaleness  = 12 * time.Hour
	DefaultWindowSize = 500
)

// Infer derives the active transaction for a device from a window of its
// persisted messages. msgs may be in any order; the reducer is pure and has
// no I/O. It reports false when no unstale, unstopped StartTransaction with
// a resolvable transaction id exists.
func Infer(msgs []model.Message, now time.Time, staleness time.Duration) (model.ActiveTransaction, bool) {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}

	starts := filter(msgs, func(m model.Message) bool {
		return m.Direction == model.DirIncoming && m.Kind == model.KindCall && m.Action == model.ActionStartTransaction
	})
	if len(starts) == 0 {
		return model.ActiveTransaction{}, false
	}
	sort.Slice(starts, func(i, j int) bool {
		if !starts[i].Timestamp.Equal(starts[j].Timestamp) {
			return starts[i].Timestamp.After(starts[j].Timestamp)
		}
		return starts[i].Sequence > starts[j].Sequence
	})
	start := starts[0]

	if now.Sub(start.Timestamp) > staleness {
		return model.ActiveTransaction{}, false
	}

	txID, ok := resolveTransactionID(msgs, start)
	if !ok {
		return model.ActiveTransaction{}, false
	}

	for _, m := range msgs {
		if m.Direction != model.DirIncoming || m.Kind != model.KindCall || m.Action != model.ActionStopTransaction {
			continue
		}
		if id, ok := payloadInt(m.Payload, "transactionId"); ok && id == txID && m.Sequence >= start.Sequence {
			return model.ActiveTransaction{}, false
		}
	}

	connector, _ := payloadInt(start.Payload, "connectorId")
	return model.ActiveTransaction{
		TransactionID: txID,
		ConnectorID:   connector,
		StartedAt:     start.Timestamp,
	}, true
}

// resolveTransactionID prefers the id the server allocated in its own reply,
// matched by correlation id, and falls back to any id embedded in the
// StartTransaction payload.
func resolveTransactionID(msgs []model.Message, start model.Message) (int, bool) {
	for _, m := range msgs {
		if m.Direction == model.DirOutgoing && m.Kind == model.KindCallResult && m.CorrelationID == start.CorrelationID {
			if id, ok := payloadInt(m.Payload, "transactionId"); ok {
				return id, true
			}
		}
	}
	if id, ok := payloadInt(start.Payload, "transactionId"); ok {
		return id, true
	}
	return 0, false
}

func filter(msgs []model.Message, keep func(model.Message) bool) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// payloadInt reads an integer field from a decoded JSON payload, accepting
// the float64 form produced by encoding/json.
func payloadInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Service answers "is this device charging" by scanning the message store.
// The state is recomputed on every query so duplicate-start checks always
// see the current log.
type Service struct {
	store      store.MessageStore
	staleness  time.Duration
	windowSize int
}

func NewService(st store.MessageStore, staleness time.Duration, windowSize int) *Service {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Service{store: st, staleness: staleness, windowSize: windowSize}
}

// ActiveTransaction infers the device's current transaction from its log.
func (s *Service) ActiveTransaction(ctx context.Context, deviceID string) (model.ActiveTransaction, bool, error) {
	msgs, err := s.store.Recent(ctx, deviceID, s.windowSize)
	if err != nil {
		return model.ActiveTransaction{}, false, err
	}
	tx, active := Infer(msgs, time.Now(), s.staleness)
	return tx, active, nil
}
