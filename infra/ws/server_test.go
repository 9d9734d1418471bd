package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/csms/core/ingest"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/status"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

type nopAudit struct{}

func (nopAudit) PublishAudit(model.AuditEntry) error { return nil }

type recordingDisconnector struct {
	mu      sync.Mutex
	devices []string
}

func (d *recordingDisconnector) OnDisconnect(_ context.Context, deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices, deviceID)
}

func (d *recordingDisconnector) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.devices...)
}

type harness struct {
	srv    *httptest.Server
	server *Server
	reg    *registry.Registry
	msgs   *store.MemoryMessageStore
	recon  *recordingDisconnector
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := nopLogger{}
	reg := registry.New(log)
	msgs := store.NewMemoryMessageStore()
	recon := &recordingDisconnector{}

	connectors := status.NewMemoryStore()
	pipeline := ingest.New(reg, msgs, connectors, nopAudit{}, eventbus.New(), metrics.NopSink{}, ingest.Config{}, log)
	t.Cleanup(pipeline.Close)

	s := NewServer(Config{}, reg, pipeline, recon, connectors, eventbus.New(), metrics.NopSink{}, log)
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)

	return &harness{srv: ts, server: s, reg: reg, msgs: msgs, recon: recon}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandshake_RegistersDevice(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/cp-1")
	defer conn.Close()

	waitFor(t, func() bool { return h.reg.IsOpen("cp-1") })
}

func TestDeviceID_FinalPathSegment(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/tenant-a/cp-9")
	defer conn.Close()

	waitFor(t, func() bool { return h.reg.IsOpen("cp-9") })
}

func TestMissingDeviceID_Rejected(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ocpp/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 400, resp.StatusCode)
	}
}

func TestInboundFrame_ReachesPipeline(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/cp-1")
	defer conn.Close()

	frame := `[2,"id-1","StatusNotification",{"connectorId":1,"status":"Charging"}]`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	// the incoming frame and its persisted reply
	waitFor(t, func() bool {
		recent, err := h.msgs.Recent(context.Background(), "cp-1", 10)
		return err == nil && len(recent) >= 2
	})
	recent, err := h.msgs.Recent(context.Background(), "cp-1", 10)
	require.NoError(t, err)
	var incoming []model.Message
	for _, m := range recent {
		if m.Direction == model.DirIncoming {
			incoming = append(incoming, m)
		}
	}
	require.Len(t, incoming, 1)
	assert.Equal(t, model.ActionStatusNotification, incoming[0].Action)
}

func TestServerReply_ReachesDevice(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/cp-1")
	defer conn.Close()

	frame := `[2,"id-7","StartTransaction",{"connectorId":1,"idTag":"TAG","meterStart":0}]`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id-7"`)
	assert.Contains(t, string(raw), "transactionId")
}

func TestDisconnect_TriggersReconciliation(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/cp-1")
	waitFor(t, func() bool { return h.reg.IsOpen("cp-1") })

	conn.Close()

	waitFor(t, func() bool { return len(h.recon.seen()) == 1 })
	assert.Equal(t, []string{"cp-1"}, h.recon.seen())
	assert.False(t, h.reg.IsOpen("cp-1"))
}

func TestSupersededConnection(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "/ocpp/cp-1")
	defer first.Close()
	waitFor(t, func() bool { return h.reg.IsOpen("cp-1") })

	second := h.dial(t, "/ocpp/cp-1")
	defer second.Close()

	// The newer socket owns the device; frames on it must still land.
	frame := `[2,"id-2","Heartbeat",{}]`
	waitFor(t, func() bool {
		if err := second.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return false
		}
		return h.reg.IsOpen("cp-1")
	})
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/cp-1")
	defer conn.Close()
	waitFor(t, func() bool { return h.reg.IsOpen("cp-1") })

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Connected int    `json:"connected_devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connected)
}

func TestStatusEndpoint_ReflectsConnectorState(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ocpp/cp-1")
	defer conn.Close()

	frame := `[2,"id-1","StatusNotification",{"connectorId":1,"status":"Charging"}]`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	var list []status.Connector
	waitFor(t, func() bool {
		resp, err := http.Get(h.srv.URL + "/status?device=cp-1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		list = nil
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return false
		}
		return len(list) == 1 && list[0].Status == "Charging"
	})
	assert.Equal(t, "cp-1", list[0].DeviceID)
	assert.Equal(t, 1, list[0].ConnectorID)
}
