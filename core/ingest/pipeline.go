package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/protocol"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/status"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/internal/eventbus"
)

// AuditPublisher receives one entry per persisted message. Publish failures
// never propagate into the protocol path.
type AuditPublisher interface {
	PublishAudit(entry model.AuditEntry) error
}

// Config tunes the pipeline's protocol behavior.
type Config struct {
	// HeartbeatIntervalSeconds is suggested to devices in BootNotification
	// replies.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	// BootPushDelayMS delays the one-time configuration push after a boot so
	// the Accepted reply flushes first.
	BootPushDelayMS int `json:"boot_push_delay_ms"`
	// CallTimeoutSeconds bounds server-initiated calls such as the boot
	// configuration push.
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// QueueSize is the per-device admission buffer.
	QueueSize int `json:"queue_size"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = 300
	}
	if c.BootPushDelayMS <= 0 {
		c.BootPushDelayMS = 500
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type task struct {
	frame protocol.Frame
	raw   []byte
	at    time.Time
}

// deviceState serializes handling per device. The worker drains the queue in
// admission order, so message N+1 never starts before N has completed.
// qmu guards enqueue against Close; it is never taken by the worker, so a
// full queue cannot deadlock admission against the drain.
type deviceState struct {
	mu     sync.Mutex
	seq    int64
	qmu    sync.Mutex
	closed bool
	queue  chan task
	once   sync.Once
}

// Pipeline admits raw frames per device in strict FIFO order, persists the
// billing-relevant ones and produces the protocol replies. Devices are
// handled fully concurrently with respect to each other.
type Pipeline struct {
	reg    *registry.Registry
	store  store.MessageStore
	status status.Store
	audit  AuditPublisher
	bus    *eventbus.Bus
	sink   metrics.Sink
	log    logger.Logger
	cfg    Config

	mu      sync.Mutex
	devices map[string]*deviceState
	wg      sync.WaitGroup
	closed  atomic.Bool

	txSeq atomic.Int64
}

// New creates a Pipeline. The transaction id allocator is seeded from the
// current unix time so ids stay unique across restarts within the
// observed window.
func New(reg *registry.Registry, st store.MessageStore, cs status.Store, audit AuditPublisher, bus *eventbus.Bus, sink metrics.Sink, cfg Config, log logger.Logger) *Pipeline {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	p := &Pipeline{
		reg:     reg,
		store:   st,
		status:  cs,
		audit:   audit,
		bus:     bus,
		sink:    sink,
		log:     log,
		cfg:     cfg,
		devices: make(map[string]*deviceState),
	}
	p.txSeq.Store(time.Now().Unix())
	return p
}

// Admit parses and enqueues one raw frame for the device. Malformed frames
// are logged and dropped without a reply; the reply schema cannot encode
// parse failures. Sequence numbers are assigned later, at persist time, so
// sequence order always matches the order messages land in the log.
func (p *Pipeline) Admit(deviceID string, raw []byte) {
	if p.closed.Load() {
		return
	}
	frame, err := protocol.Parse(raw)
	if err != nil {
		p.log.Warnf("dropping malformed frame from %s: %v", deviceID, err)
		p.recordMalformed(deviceID)
		return
	}
	p.reg.Touch(deviceID)

	dev := p.device(deviceID)
	dev.qmu.Lock()
	if dev.closed {
		dev.qmu.Unlock()
		return
	}
	dev.queue <- task{frame: frame, raw: raw, at: time.Now()}
	dev.qmu.Unlock()
}

func (p *Pipeline) device(deviceID string) *deviceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[deviceID]
	if !ok {
		dev = &deviceState{queue: make(chan task, p.cfg.QueueSize), closed: p.closed.Load()}
		if last, err := p.store.LastSequence(context.Background(), deviceID); err == nil {
			dev.seq = last
		}
		p.devices[deviceID] = dev
	}
	dev.once.Do(func() {
		if dev.closed {
			return
		}
		p.wg.Add(1)
		go p.worker(deviceID, dev)
	})
	return dev
}

func (p *Pipeline) worker(deviceID string, dev *deviceState) {
	defer p.wg.Done()
	for t := range dev.queue {
		p.handle(deviceID, dev, t)
	}
}

func (p *Pipeline) nextTransactionID() int {
	return int(p.txSeq.Add(1))
}

// Close stops all device workers after their queues drain. A frame admitted
// concurrently is either enqueued before the queue closes or dropped.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	for _, dev := range p.devices {
		dev.qmu.Lock()
		dev.closed = true
		close(dev.queue)
		dev.qmu.Unlock()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
