package command

import (
	"sync"
	"time"

	"github.com/kilianp07/csms/core/model"
)

// DefaultSuppressionWindow bounds how often the same command kind may be
// dispatched to one device. Deliberately much shorter than the inference
// staleness bound.
const DefaultSuppressionWindow = 2 * time.Minute

type suppressionKey struct {
	deviceID string
	kind     model.CommandKind
}

// SuppressionWindow is the ephemeral per (device, kind) duplicate guard.
// Entries are never cleared on protocol timeout, so an operator retry cannot
// race the original attempt.
type SuppressionWindow struct {
	mu     sync.Mutex
	window time.Duration
	last   map[suppressionKey]time.Time
	now    func() time.Time
}

func NewSuppressionWindow(window time.Duration) *SuppressionWindow {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	return &SuppressionWindow{
		window: window,
		last:   make(map[suppressionKey]time.Time),
		now:    time.Now,
	}
}

// TryAcquire opens the window for the device and kind. It reports false when
// a same-kind command was already dispatched within the window.
func (w *SuppressionWindow) TryAcquire(deviceID string, kind model.CommandKind) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := suppressionKey{deviceID, kind}
	now := w.now()
	if last, ok := w.last[k]; ok && now.Sub(last) < w.window {
		return false
	}
	w.last[k] = now
	return true
}
