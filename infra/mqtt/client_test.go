package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/csms/core/model"
)

type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                       { return true }
func (t *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *mockToken) Error() error                     { return t.err }
func (t *mockToken) Done() <-chan struct{}            { return make(chan struct{}) }

type mockClient struct {
	mu           sync.Mutex
	published    map[string][][]byte
	failPublish  int
	disconnected bool
}

func (m *mockClient) IsConnected() bool       { return true }
func (m *mockClient) Connect() paho.Token     { return &mockToken{} }
func (m *mockClient) Disconnect(quiesce uint) { m.disconnected = true }

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPublish > 0 {
		m.failPublish--
		return &mockToken{err: errors.New("broker unavailable")}
	}
	if m.published == nil {
		m.published = map[string][][]byte{}
	}
	m.published[topic] = append(m.published[topic], payload.([]byte))
	return &mockToken{}
}

func (m *mockClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	return &mockToken{}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

type stubHandler struct {
	starts []model.CommandRequest
	stops  []model.CommandRequest
}

func (h *stubHandler) HandleStart(_ context.Context, req model.CommandRequest) model.CommandResponse {
	h.starts = append(h.starts, req)
	return model.CommandResponse{}
}

func (h *stubHandler) HandleStop(_ context.Context, req model.CommandRequest) model.CommandResponse {
	h.stops = append(h.stops, req)
	return model.CommandResponse{}
}

type stubMessage struct{ payload []byte }

func (stubMessage) Duplicate() bool     { return false }
func (stubMessage) Qos() byte           { return 1 }
func (stubMessage) Retained() bool      { return false }
func (stubMessage) Topic() string       { return "" }
func (stubMessage) MessageID() uint16   { return 0 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (stubMessage) Ack()                {}

func newTestBridge(mc *mockClient, h CommandHandler) *Bridge {
	cfg := Config{}
	cfg.SetDefaults()
	return &Bridge{cli: mc, cfg: cfg, handler: h, logger: nopLogger{}, backoff: time.Millisecond}
}

func TestOnStart_DecodesAndDispatches(t *testing.T) {
	h := &stubHandler{}
	b := newTestBridge(&mockClient{}, h)

	payload, _ := json.Marshal(model.CommandRequest{SessionID: "s1", DeviceID: "cp-1", ConnectorID: 2, Credential: "TAG"})
	b.onStart(nil, stubMessage{payload: payload})

	if len(h.starts) != 1 || h.starts[0].DeviceID != "cp-1" || h.starts[0].ConnectorID != 2 {
		t.Fatalf("start not dispatched: %+v", h.starts)
	}
}

func TestOnStart_InvalidPayloadIgnored(t *testing.T) {
	h := &stubHandler{}
	b := newTestBridge(&mockClient{}, h)

	b.onStart(nil, stubMessage{payload: []byte(`{{`)})
	b.onStart(nil, stubMessage{payload: []byte(`{"session_id":"s1"}`)}) // no device
	if len(h.starts) != 0 {
		t.Errorf("invalid commands must not reach the handler")
	}
}

func TestOnStop_Dispatches(t *testing.T) {
	h := &stubHandler{}
	b := newTestBridge(&mockClient{}, h)

	payload, _ := json.Marshal(model.CommandRequest{SessionID: "s1", DeviceID: "cp-1", TransactionID: 42})
	b.onStop(nil, stubMessage{payload: payload})
	if len(h.stops) != 1 || h.stops[0].TransactionID != 42 {
		t.Fatalf("stop not dispatched: %+v", h.stops)
	}
}

func TestPublishResponse_TopicAndPayload(t *testing.T) {
	mc := &mockClient{}
	b := newTestBridge(mc, nil)

	err := b.PublishResponse(model.CommandResponse{SessionID: "s1", DeviceID: "cp-1", Status: model.StatusAccepted})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := mc.published["csms/responses"]
	if len(msgs) != 1 {
		t.Fatalf("expected one response on csms/responses, got %v", mc.published)
	}
	var resp model.CommandResponse
	if err := json.Unmarshal(msgs[0], &resp); err != nil || resp.Status != model.StatusAccepted {
		t.Errorf("bad response payload: %s", msgs[0])
	}
}

func TestPublishCommand_RoutingKey(t *testing.T) {
	mc := &mockClient{}
	b := newTestBridge(mc, nil)

	req := model.CommandRequest{SessionID: "s1", DeviceID: "cp-1"}
	if err := b.PublishCommand(model.CommandStart, req); err != nil {
		t.Fatalf("publish start: %v", err)
	}
	if err := b.PublishCommand(model.CommandStop, req); err != nil {
		t.Fatalf("publish stop: %v", err)
	}
	if len(mc.published["csms/commands/start"]) != 1 || len(mc.published["csms/commands/stop"]) != 1 {
		t.Errorf("commands routed wrong: %v", mc.published)
	}
}

func TestPublish_RetriesWithBackoff(t *testing.T) {
	mc := &mockClient{failPublish: 2}
	b := newTestBridge(mc, nil)

	if err := b.PublishAudit(model.AuditEntry{DeviceID: "cp-1", MessageType: "StartTransaction"}); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if len(mc.published["csms/audit"]) != 1 {
		t.Errorf("audit entry not published after retries")
	}
}

func TestDisconnect(t *testing.T) {
	mc := &mockClient{}
	b := newTestBridge(mc, nil)
	b.Disconnect()
	if !mc.disconnected {
		t.Errorf("expected Disconnect() to be called")
	}
}
