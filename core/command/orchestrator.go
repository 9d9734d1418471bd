package command

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/protocol"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/internal/eventbus"
)

// Config tunes the orchestrator.
type Config struct {
	// CallTimeoutSeconds bounds the wait for the device's reply.
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// SuppressionWindowSeconds is the per (device, kind) duplicate guard.
	SuppressionWindowSeconds int `json:"suppression_window_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
	if c.SuppressionWindowSeconds <= 0 {
		c.SuppressionWindowSeconds = int(DefaultSuppressionWindow / time.Second)
	}
}

// Inferencer answers whether a device currently has an active transaction,
// recomputed from the log on every query.
type Inferencer interface {
	ActiveTransaction(ctx context.Context, deviceID string) (model.ActiveTransaction, bool, error)
}

// ResponsePublisher delivers command outcomes to the response channel.
type ResponsePublisher interface {
	PublishResponse(resp model.CommandResponse) error
}

// OutboundRecorder persists server-initiated calls in the message log with a
// device-scoped sequence number.
type OutboundRecorder interface {
	RecordOutgoingCall(deviceID, correlationID, action string, payload map[string]any)
}

// Orchestrator bridges queued operator commands to device-facing protocol
// calls. Each command is a single dispatch attempt answered on the response
// channel; protocol timeouts are not retried.
type Orchestrator struct {
	reg         *registry.Registry
	infer       Inferencer
	recorder    OutboundRecorder
	publisher   ResponsePublisher
	suppression *SuppressionWindow
	sink        metrics.Sink
	bus         *eventbus.Bus
	log         logger.Logger
	callTimeout time.Duration
}

func New(reg *registry.Registry, infer Inferencer, recorder OutboundRecorder, publisher ResponsePublisher, sink metrics.Sink, bus *eventbus.Bus, cfg Config, log logger.Logger) *Orchestrator {
	cfg.SetDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Orchestrator{
		reg:         reg,
		infer:       infer,
		recorder:    recorder,
		publisher:   publisher,
		suppression: NewSuppressionWindow(time.Duration(cfg.SuppressionWindowSeconds) * time.Second),
		sink:        sink,
		bus:         bus,
		log:         log,
		callTimeout: time.Duration(cfg.CallTimeoutSeconds) * time.Second,
	}
}

// HandleStart processes one queued start command and publishes its outcome.
func (o *Orchestrator) HandleStart(ctx context.Context, req model.CommandRequest) model.CommandResponse {
	req.Kind = model.CommandStart
	started := time.Now()

	if !o.reg.IsOpen(req.DeviceID) {
		return o.publish(req, reject(req, model.ErrCodeConnection, "device not connected"), started)
	}

	// Checked fresh on every command so a just-finished transaction is seen.
	if tx, active, err := o.infer.ActiveTransaction(ctx, req.DeviceID); err != nil {
		o.log.Errorf("inference for %s: %v", req.DeviceID, err)
		return o.publish(req, reject(req, model.ErrCodeInternal, "state inference failed"), started)
	} else if active {
		o.log.Infof("start for %s rejected, transaction %d active", req.DeviceID, tx.TransactionID)
		return o.publish(req, reject(req, model.ErrCodeAlreadyActive, "transaction already active"), started)
	}

	if !o.suppression.TryAcquire(req.DeviceID, model.CommandStart) {
		return o.publish(req, reject(req, model.ErrCodeDuplicate, "start dispatched within suppression window"), started)
	}

	payload := map[string]any{"idTag": req.Credential}
	if req.ConnectorID > 0 {
		payload["connectorId"] = req.ConnectorID
	}
	return o.publish(req, o.callDevice(req, model.ActionRemoteStart, payload), started)
}

// HandleStop processes one queued stop command and publishes its outcome.
// The orchestrator never resolves transaction ids itself: the caller must
// supply a concrete id previously resolved from the log.
func (o *Orchestrator) HandleStop(ctx context.Context, req model.CommandRequest) model.CommandResponse {
	req.Kind = model.CommandStop
	started := time.Now()

	if !o.reg.IsOpen(req.DeviceID) {
		return o.publish(req, reject(req, model.ErrCodeConnection, "device not connected"), started)
	}
	if req.TransactionID <= 0 {
		return o.publish(req, reject(req, model.ErrCodeInvalidTxID, "unresolved transaction id"), started)
	}
	if !o.suppression.TryAcquire(req.DeviceID, model.CommandStop) {
		return o.publish(req, reject(req, model.ErrCodeDuplicate, "stop dispatched within suppression window"), started)
	}

	payload := map[string]any{"transactionId": req.TransactionID}
	resp := o.callDevice(req, model.ActionRemoteStop, payload)
	if resp.Status == model.StatusAccepted {
		resp.TransactionID = req.TransactionID
	}
	return o.publish(req, resp, started)
}

// callDevice issues the protocol call with a bounded wait and maps the
// device's acceptance field. On timeout no compensating action is taken; the
// device may still accept out of band and callers must re-query state.
func (o *Orchestrator) callDevice(req model.CommandRequest, action string, payload map[string]any) model.CommandResponse {
	correlationID := protocol.NewMessageID()
	if o.recorder != nil {
		o.recorder.RecordOutgoingCall(req.DeviceID, correlationID, action, payload)
	}

	res, err := o.reg.Call(req.DeviceID, correlationID, action, o.callTimeout, payload)
	switch {
	case errors.Is(err, registry.ErrCallTimeout):
		return reject(req, model.ErrCodeTimeout, "no reply within bounded wait")
	case errors.Is(err, registry.ErrNotConnected), errors.Is(err, registry.ErrConnectionLost):
		return reject(req, model.ErrCodeConnection, err.Error())
	case err != nil:
		return reject(req, model.ErrCodeInternal, err.Error())
	}
	if res.ErrorCode != "" {
		return reject(req, res.ErrorCode, res.ErrorDesc)
	}

	resp := model.CommandResponse{
		SessionID: req.SessionID,
		DeviceID:  req.DeviceID,
		Status:    model.StatusRejected,
		Timestamp: time.Now(),
	}
	if s, ok := res.Payload["status"].(string); ok && s == "Accepted" {
		resp.Status = model.StatusAccepted
	}
	if id, ok := res.Payload["transactionId"].(float64); ok {
		resp.TransactionID = int(id)
	}
	return resp
}

// publish sends exactly one response per command, regardless of outcome.
func (o *Orchestrator) publish(req model.CommandRequest, resp model.CommandResponse, started time.Time) model.CommandResponse {
	if o.publisher != nil {
		if err := o.publisher.PublishResponse(resp); err != nil {
			o.log.Errorf("response publish for %s: %v", req.SessionID, err)
		}
	}
	if o.bus != nil {
		o.bus.Publish(events.CommandEvent{Kind: req.Kind, Response: resp})
	}
	if err := o.sink.RecordCommandResult([]metrics.CommandResult{{
		Kind:      req.Kind,
		DeviceID:  req.DeviceID,
		Status:    resp.Status,
		ErrorCode: resp.ErrorCode,
		Latency:   time.Since(started),
		Time:      resp.Timestamp,
	}}); err != nil {
		o.log.Errorf("command metrics error: %v", err)
	}
	return resp
}

func reject(req model.CommandRequest, code, description string) model.CommandResponse {
	return model.CommandResponse{
		SessionID:        req.SessionID,
		DeviceID:         req.DeviceID,
		Status:           model.StatusRejected,
		ErrorCode:        code,
		ErrorDescription: description,
		Timestamp:        time.Now(),
	}
}
