package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/ingest"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/status"
	"github.com/kilianp07/csms/internal/eventbus"
)

// Config holds the device-facing listener settings.
type Config struct {
	Addr       string `json:"addr"`
	PathPrefix string `json:"path_prefix"`
	// ReadLimitBytes bounds a single frame. Oversized frames close the
	// connection.
	ReadLimitBytes int64 `json:"read_limit_bytes"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "/ocpp/"
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 32 * 1024
	}
}

// Disconnector settles a device's open sessions after its connection drops.
type Disconnector interface {
	OnDisconnect(ctx context.Context, deviceID string)
}

// Server accepts long-lived device connections and feeds every inbound frame
// to the ingestion pipeline in arrival order.
type Server struct {
	cfg        Config
	reg        *registry.Registry
	pipeline   *ingest.Pipeline
	recon      Disconnector
	connectors status.Store
	bus        *eventbus.Bus
	sink       metrics.Sink
	logger     logger.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu        sync.Mutex
	connected int
}

func NewServer(cfg Config, reg *registry.Registry, p *ingest.Pipeline, recon Disconnector, connectors status.Store, bus *eventbus.Bus, sink metrics.Sink, log logger.Logger) *Server {
	cfg.SetDefaults()
	s := &Server{
		cfg:        cfg,
		reg:        reg,
		pipeline:   p,
		recon:      recon,
		connectors: connectors,
		bus:        bus,
		sink:       sink,
		logger:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.PathPrefix, s.handleDevice)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the device endpoint mux for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("device listener on %s%s", s.cfg.Addr, s.cfg.PathPrefix)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections from an existing listener. Used by tests.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := s.connected
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connected_devices": n})
}

// handleStatus serves the real-time connector view. An optional ?device=
// query narrows the list to one charge point.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.connectors == nil {
		http.Error(w, "status store unavailable", http.StatusServiceUnavailable)
		return
	}
	list := s.connectors.List(r.URL.Query().Get("device"))
	if list == nil {
		list = []status.Connector{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// deviceID is the final non-empty path segment after the prefix, so both
// /ocpp/cp-1 and /ocpp/tenant/cp-1 identify cp-1.
func (s *Server) deviceID(path string) string {
	rest := strings.TrimPrefix(path, s.cfg.PathPrefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return ""
	}
	segments := strings.Split(rest, "/")
	return segments[len(segments)-1]
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := s.deviceID(r.URL.Path)
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimitBytes)

	s.logger.Infof("device %s connected from %s", deviceID, r.RemoteAddr)
	handle := s.reg.Register(deviceID, &transport{conn: conn})
	s.trackConnection(deviceID, +1, true)

	s.readLoop(deviceID, conn, handle)
}

// readLoop drains the connection until it errors, then tears the device down.
// Sessions are reconciled only when the device is truly gone; a superseded
// socket dropping late must not settle the replacement's sessions.
func (s *Server) readLoop(deviceID string, conn *websocket.Conn, handle *registry.Connection) {
	defer func() {
		s.reg.Drop(handle)
		gone := !s.reg.IsOpen(deviceID)
		s.trackConnection(deviceID, -1, gone)
		if gone {
			s.recon.OnDisconnect(context.Background(), deviceID)
		}
	}()

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warnf("device %s dropped: %v", deviceID, err)
			} else {
				s.logger.Debugf("device %s closed: %v", deviceID, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.pipeline.Admit(deviceID, raw)
	}
}

func (s *Server) trackConnection(deviceID string, delta int, announce bool) {
	s.mu.Lock()
	s.connected += delta
	n := s.connected
	s.mu.Unlock()

	if cr, ok := s.sink.(metrics.ConnectionRecorder); ok {
		if err := cr.RecordConnectedDevices(n); err != nil {
			s.logger.Errorf("connected gauge: %v", err)
		}
	}
	if announce && s.bus != nil {
		s.bus.Publish(events.ConnectionEvent{DeviceID: deviceID, Connected: delta > 0, At: time.Now()})
	}
}

// transport adapts a websocket connection to the registry's write side.
// gorilla allows one concurrent writer; the registry already serializes
// writes per connection.
type transport struct {
	conn *websocket.Conn
}

func (t *transport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) Close() error {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}
