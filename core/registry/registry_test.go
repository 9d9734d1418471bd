package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.frames = append(t.frames, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

var _ logger.Logger = nopLogger{}

func TestRegister_SupersedesPriorHandle(t *testing.T) {
	r := New(nopLogger{})
	first := &fakeTransport{}
	second := &fakeTransport{}
	r.Register("cp-1", first)
	r.Register("cp-1", second)

	if !first.closed {
		t.Errorf("superseded transport should be closed")
	}
	if err := r.Send("cp-1", []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if second.sent() != 1 || first.sent() != 0 {
		t.Errorf("frame routed to wrong transport")
	}
}

func TestSend_NotConnected(t *testing.T) {
	r := New(nopLogger{})
	if err := r.Send("ghost", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCall_ResolvedByReply(t *testing.T) {
	r := New(nopLogger{})
	tr := &fakeTransport{}
	r.Register("cp-1", tr)

	done := make(chan CallResult, 1)
	go func() {
		res, err := r.Call("cp-1", "corr-1", "RemoteStartTransaction", time.Second, map[string]any{"connectorId": 1})
		if err != nil {
			t.Errorf("call: %v", err)
		}
		done <- res
	}()

	waitPending(t, r, "corr-1")
	if !r.Resolve(protocol.Frame{CorrelationID: "corr-1", Payload: map[string]any{"status": "Accepted"}}) {
		t.Fatalf("resolve found no pending request")
	}
	res := <-done
	if res.Payload["status"] != "Accepted" {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, ok := r.PendingAction("corr-1"); ok {
		t.Errorf("pending entry should be removed after resolve")
	}
}

func TestCall_TimeoutRemovesEntry(t *testing.T) {
	r := New(nopLogger{})
	r.Register("cp-1", &fakeTransport{})

	_, err := r.Call("cp-1", "corr-t", "RemoteStartTransaction", 20*time.Millisecond, nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	// The late reply matches nothing.
	if r.Resolve(protocol.Frame{CorrelationID: "corr-t"}) {
		t.Errorf("late reply should not match any pending request")
	}
}

func TestUnregister_RejectsPending(t *testing.T) {
	r := New(nopLogger{})
	r.Register("cp-1", &fakeTransport{})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call("cp-1", "corr-u", "RemoteStopTransaction", time.Second, nil)
		errCh <- err
	}()

	waitPending(t, r, "corr-u")
	r.Unregister("cp-1")
	if err := <-errCh; !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
	if r.IsOpen("cp-1") {
		t.Errorf("device should be unregistered")
	}
}

func TestCall_NotConnected(t *testing.T) {
	r := New(nopLogger{})
	if _, err := r.Call("ghost", "c", "RemoteStartTransaction", time.Second, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDrop_CurrentHandle(t *testing.T) {
	r := New(nopLogger{})
	tr := &fakeTransport{}
	handle := r.Register("cp-1", tr)

	r.Drop(handle)

	if r.IsOpen("cp-1") {
		t.Errorf("device should be gone after dropping its current handle")
	}
	if !tr.closed {
		t.Errorf("dropped transport should be closed")
	}
}

func TestDrop_SupersededHandleIsNoop(t *testing.T) {
	r := New(nopLogger{})
	old := r.Register("cp-1", &fakeTransport{})
	replacement := &fakeTransport{}
	r.Register("cp-1", replacement)

	// The old socket's read loop drops late; the replacement must survive.
	r.Drop(old)

	if !r.IsOpen("cp-1") {
		t.Fatalf("replacement connection must survive a late drop")
	}
	if err := r.Send("cp-1", []byte("x")); err != nil {
		t.Errorf("send via replacement: %v", err)
	}
	if replacement.closed {
		t.Errorf("replacement transport must stay open")
	}
}

func waitPending(t *testing.T, r *Registry, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.PendingAction(id); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending request %s never registered", id)
}
