package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/protocol"
)

var (
	// ErrNotConnected is returned when no live connection exists for a device.
	ErrNotConnected = errors.New("device not connected")
	// ErrConnectionLost rejects pending requests when the connection drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCallTimeout rejects a pending request whose bounded wait expired.
	ErrCallTimeout = errors.New("timeout waiting for call result")
)

// Transport is the minimal write side of a device connection.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Connection binds a device to its transport. Owned exclusively by the
// Registry; a later Register for the same device supersedes it.
type Connection struct {
	DeviceID    string
	ConnectedAt time.Time

	mu        sync.Mutex
	transport Transport
	lastSeen  time.Time
}

func (c *Connection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.WriteMessage(data)
}

// CallResult is the device's reply to an outgoing CALL.
type CallResult struct {
	Payload   map[string]any
	ErrorCode string
	ErrorDesc string
}

type pendingRequest struct {
	deviceID string
	action   string
	ch       chan callOutcome
	timer    *time.Timer
}

type callOutcome struct {
	result CallResult
	err    error
}

// Registry tracks live device connections and outstanding request
// correlations. All state is partitioned by device key.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	pending map[string]*pendingRequest
	log     logger.Logger
}

func New(log logger.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		pending: make(map[string]*pendingRequest),
		log:     log,
	}
}

// Register binds the transport to the device, silently superseding any
// prior handle. The superseded transport is closed. The returned handle
// identifies this binding for Drop.
func (r *Registry) Register(deviceID string, t Transport) *Connection {
	conn := &Connection{DeviceID: deviceID, ConnectedAt: time.Now(), transport: t, lastSeen: time.Now()}
	r.mu.Lock()
	prev := r.conns[deviceID]
	r.conns[deviceID] = conn
	r.mu.Unlock()
	if prev != nil {
		r.log.Warnf("superseding connection for %s", deviceID)
		_ = prev.transport.Close()
	}
	return conn
}

// IsOpen reports whether a live connection exists for the device.
func (r *Registry) IsOpen(deviceID string) bool {
	r.mu.RLock()
	_, ok := r.conns[deviceID]
	r.mu.RUnlock()
	return ok
}

// Touch records activity on the connection, for liveness reporting.
func (r *Registry) Touch(deviceID string) {
	r.mu.RLock()
	conn := r.conns[deviceID]
	r.mu.RUnlock()
	if conn != nil {
		conn.mu.Lock()
		conn.lastSeen = time.Now()
		conn.mu.Unlock()
	}
}

// LastSeen returns the time of the last recorded activity for the device.
func (r *Registry) LastSeen(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	conn := r.conns[deviceID]
	r.mu.RUnlock()
	if conn == nil {
		return time.Time{}, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.lastSeen, true
}

// Drop removes the binding only while conn is still the device's current
// handle. A superseded connection dropping late is a no-op, so it cannot
// tear down its replacement.
func (r *Registry) Drop(conn *Connection) {
	r.mu.Lock()
	if r.conns[conn.DeviceID] != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.DeviceID)
	var rejected []*pendingRequest
	for id, p := range r.pending {
		if p.deviceID == conn.DeviceID {
			p.timer.Stop()
			delete(r.pending, id)
			rejected = append(rejected, p)
		}
	}
	r.mu.Unlock()
	for _, p := range rejected {
		p.ch <- callOutcome{err: ErrConnectionLost}
	}
	_ = conn.transport.Close()
}

// Unregister removes the device's handle and rejects all of its pending
// requests with ErrConnectionLost.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	conn := r.conns[deviceID]
	delete(r.conns, deviceID)
	var rejected []*pendingRequest
	for id, p := range r.pending {
		if p.deviceID == deviceID {
			p.timer.Stop()
			delete(r.pending, id)
			rejected = append(rejected, p)
		}
	}
	r.mu.Unlock()
	for _, p := range rejected {
		p.ch <- callOutcome{err: ErrConnectionLost}
	}
	if conn != nil {
		_ = conn.transport.Close()
	}
}

// Send writes a raw frame to the device.
func (r *Registry) Send(deviceID string, data []byte) error {
	r.mu.RLock()
	conn := r.conns[deviceID]
	r.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.write(data)
}

// Call issues an outgoing CALL and blocks until the correlated reply
// arrives or the timeout expires. A timed-out entry is removed immediately;
// a reply arriving afterwards is logged by Resolve and matched to nothing.
func (r *Registry) Call(deviceID, correlationID, action string, timeout time.Duration, payload map[string]any) (CallResult, error) {
	raw, err := protocol.EncodeCall(correlationID, action, payload)
	if err != nil {
		return CallResult{}, err
	}

	p := &pendingRequest{deviceID: deviceID, action: action, ch: make(chan callOutcome, 1)}
	p.timer = time.AfterFunc(timeout, func() { r.expire(correlationID) })

	r.mu.Lock()
	if _, open := r.conns[deviceID]; !open {
		r.mu.Unlock()
		p.timer.Stop()
		return CallResult{}, ErrNotConnected
	}
	r.pending[correlationID] = p
	r.mu.Unlock()

	if err := r.Send(deviceID, raw); err != nil {
		r.remove(correlationID)
		p.timer.Stop()
		return CallResult{}, err
	}

	out := <-p.ch
	return out.result, out.err
}

// PendingAction returns the action of an outstanding request, if any.
func (r *Registry) PendingAction(correlationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[correlationID]
	if !ok {
		return "", false
	}
	return p.action, true
}

// Resolve completes the pending request matching the frame's correlation id.
// It reports false for a late or unsolicited reply.
func (r *Registry) Resolve(f protocol.Frame) bool {
	r.mu.Lock()
	p, ok := r.pending[f.CorrelationID]
	if ok {
		p.timer.Stop()
		delete(r.pending, f.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Warnf("no pending request for reply %s", f.CorrelationID)
		return false
	}
	p.ch <- callOutcome{result: CallResult{Payload: f.Payload, ErrorCode: f.ErrorCode, ErrorDesc: f.ErrorDesc}}
	return true
}

func (r *Registry) expire(correlationID string) {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()
	if ok {
		p.ch <- callOutcome{err: ErrCallTimeout}
	}
}

func (r *Registry) remove(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

// Devices returns the ids of all currently connected devices.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Close unregisters every device, rejecting all pending requests.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}
