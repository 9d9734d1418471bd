package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilianp07/csms/core/model"
)

// ErrMalformedFrame is returned when a raw frame is not one of the three
// valid ordered tuples. Malformed frames are never answered on the wire.
var ErrMalformedFrame = errors.New("malformed protocol frame")

// Frame is a parsed wire message before it is persisted.
type Frame struct {
	Kind          model.MessageKind
	CorrelationID string
	Action        string
	Payload       map[string]any
	ErrorCode     string
	ErrorDesc     string
	ErrorDetails  map[string]any
}

// NewMessageID returns an opaque correlation id for an outgoing call.
func NewMessageID() string { return uuid.NewString() }

// Parse decodes a raw frame. The wire format is a JSON array:
// [2, id, action, payload], [3, id, payload] or [4, id, code, desc, details].
func Parse(raw []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 3 {
		return Frame{}, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(parts))
	}
	var kind int
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return Frame{}, fmt.Errorf("%w: non-numeric kind", ErrMalformedFrame)
	}
	var id string
	if err := json.Unmarshal(parts[1], &id); err != nil || id == "" {
		return Frame{}, fmt.Errorf("%w: bad correlation id", ErrMalformedFrame)
	}

	f := Frame{CorrelationID: id}
	switch model.MessageKind(kind) {
	case model.KindCall:
		if len(parts) != 4 {
			return Frame{}, fmt.Errorf("%w: call needs 4 elements", ErrMalformedFrame)
		}
		f.Kind = model.KindCall
		if err := json.Unmarshal(parts[2], &f.Action); err != nil || f.Action == "" {
			return Frame{}, fmt.Errorf("%w: bad action", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[3], &f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: bad payload", ErrMalformedFrame)
		}
	case model.KindCallResult:
		if len(parts) != 3 {
			return Frame{}, fmt.Errorf("%w: result needs 3 elements", ErrMalformedFrame)
		}
		f.Kind = model.KindCallResult
		if err := json.Unmarshal(parts[2], &f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: bad payload", ErrMalformedFrame)
		}
	case model.KindCallError:
		if len(parts) != 5 {
			return Frame{}, fmt.Errorf("%w: error needs 5 elements", ErrMalformedFrame)
		}
		f.Kind = model.KindCallError
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("%w: bad error code", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDesc); err != nil {
			return Frame{}, fmt.Errorf("%w: bad error description", ErrMalformedFrame)
		}
		if err := json.Unmarshal(parts[4], &f.ErrorDetails); err != nil {
			return Frame{}, fmt.Errorf("%w: bad error details", ErrMalformedFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, kind)
	}
	return f, nil
}

// EncodeCall builds an outgoing CALL frame.
func EncodeCall(id, action string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{int(model.KindCall), id, action, payload})
}

// EncodeResult builds an outgoing CALL_RESULT frame.
func EncodeResult(id string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{int(model.KindCallResult), id, payload})
}

// EncodeError builds an outgoing CALL_ERROR frame.
func EncodeError(id, code, description string, details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal([]any{int(model.KindCallError), id, code, description, details})
}
