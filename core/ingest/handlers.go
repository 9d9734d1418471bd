package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/kilianp07/csms/core/events"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/protocol"
)

// handle processes one admitted frame. Failures are logged and isolated to
// the device; they never close the connection.
func (p *Pipeline) handle(deviceID string, dev *deviceState, t task) {
	switch t.frame.Kind {
	case model.KindCall:
		p.handleCall(deviceID, dev, t)
	case model.KindCallResult, model.KindCallError:
		p.handleReply(deviceID, dev, t)
	}
}

func (p *Pipeline) handleCall(deviceID string, dev *deviceState, t task) {
	f := t.frame
	p.frameMetric(deviceID, f.Kind, f.Action, model.DirIncoming, t.at)

	switch f.Action {
	case model.ActionHeartbeat:
		p.status.Heartbeat(deviceID, t.at)
		p.reply(deviceID, f.CorrelationID, map[string]any{"currentTime": t.at.UTC().Format(time.RFC3339)})

	case model.ActionBootNotification:
		reply := map[string]any{
			"status":      "Accepted",
			"currentTime": t.at.UTC().Format(time.RFC3339),
			"interval":    p.cfg.HeartbeatIntervalSeconds,
		}
		p.persistIncoming(deviceID, dev, t)
		p.replyPersisted(deviceID, dev, f.CorrelationID, reply)
		p.scheduleConfigPush(deviceID)

	case model.ActionStatusNotification:
		p.persistIncoming(deviceID, dev, t)
		p.replyPersisted(deviceID, dev, f.CorrelationID, map[string]any{})
		connector, _ := payloadInt(f.Payload, "connectorId")
		st, _ := f.Payload["status"].(string)
		p.status.SetStatus(deviceID, connector, st, t.at)
		if p.bus != nil {
			p.bus.Publish(events.StatusEvent{DeviceID: deviceID, ConnectorID: connector, Status: st, At: t.at})
		}

	case model.ActionStartTransaction:
		txID := p.nextTransactionID()
		reply := map[string]any{
			"transactionId": txID,
			"idTagInfo":     map[string]any{"status": "Accepted"},
		}
		p.persistIncoming(deviceID, dev, t)
		p.replyPersisted(deviceID, dev, f.CorrelationID, reply)
		connector, _ := payloadInt(f.Payload, "connectorId")
		if p.bus != nil {
			p.bus.Publish(events.TransactionEvent{DeviceID: deviceID, ConnectorID: connector, TransactionID: txID, Started: true, At: t.at})
		}

	case model.ActionStopTransaction:
		reply := map[string]any{"idTagInfo": map[string]any{"status": "Accepted"}}
		p.persistIncoming(deviceID, dev, t)
		p.replyPersisted(deviceID, dev, f.CorrelationID, reply)
		p.status.Reset(deviceID, t.at)
		txID, _ := payloadInt(f.Payload, "transactionId")
		if p.bus != nil {
			p.bus.Publish(events.TransactionEvent{DeviceID: deviceID, TransactionID: txID, Started: false, At: t.at})
		}

	case model.ActionMeterValues:
		p.persistIncoming(deviceID, dev, t)
		p.replyPersisted(deviceID, dev, f.CorrelationID, map[string]any{})
		connector, _ := payloadInt(f.Payload, "connectorId")
		if energy, ok := latestEnergyReading(f.Payload); ok {
			p.status.SetEnergy(deviceID, connector, energy, t.at)
			if mr, ok := p.sink.(metrics.MeterRecorder); ok {
				if err := mr.RecordMeterReading(metrics.MeterReading{DeviceID: deviceID, ConnectorID: connector, EnergyWh: energy, Time: t.at}); err != nil {
					p.log.Errorf("meter metrics error: %v", err)
				}
			}
			if p.bus != nil {
				p.bus.Publish(events.MeterEvent{DeviceID: deviceID, ConnectorID: connector, EnergyWh: energy, At: t.at})
			}
		}

	default:
		// Unknown calls get an empty success and stay out of the audit log.
		p.reply(deviceID, f.CorrelationID, map[string]any{})
	}
}

// handleReply routes an incoming CALL_RESULT or CALL_ERROR to its pending
// request. Replies to remote transaction calls are persisted; a reply with
// no pending entry is logged by the registry and dropped.
func (p *Pipeline) handleReply(deviceID string, dev *deviceState, t task) {
	f := t.frame
	action, known := p.reg.PendingAction(f.CorrelationID)
	p.frameMetric(deviceID, f.Kind, action, model.DirIncoming, t.at)
	if known && (action == model.ActionRemoteStart || action == model.ActionRemoteStop) {
		p.persist(dev, model.Message{
			DeviceID:      deviceID,
			Kind:          f.Kind,
			CorrelationID: f.CorrelationID,
			Action:        action,
			Payload:       replyPayload(f),
			Direction:     model.DirIncoming,
			Timestamp:     t.at,
		}, string(t.raw))
	}
	p.reg.Resolve(f)
}

// reply sends a CALL_RESULT without persisting it.
func (p *Pipeline) reply(deviceID, correlationID string, payload map[string]any) {
	raw, err := protocol.EncodeResult(correlationID, payload)
	if err != nil {
		p.log.Errorf("encode reply for %s: %v", deviceID, err)
		return
	}
	if err := p.reg.Send(deviceID, raw); err != nil {
		p.log.Warnf("reply to %s failed: %v", deviceID, err)
		return
	}
	p.frameMetric(deviceID, model.KindCallResult, "", model.DirOutgoing, time.Now())
}

// replyPersisted sends a CALL_RESULT and persists the outgoing half.
func (p *Pipeline) replyPersisted(deviceID string, dev *deviceState, correlationID string, payload map[string]any) {
	raw, err := protocol.EncodeResult(correlationID, payload)
	if err != nil {
		p.log.Errorf("encode reply for %s: %v", deviceID, err)
		return
	}
	if err := p.reg.Send(deviceID, raw); err != nil {
		p.log.Warnf("reply to %s failed: %v", deviceID, err)
	}
	p.persist(dev, model.Message{
		DeviceID:      deviceID,
		Kind:          model.KindCallResult,
		CorrelationID: correlationID,
		Payload:       payload,
		Direction:     model.DirOutgoing,
		Timestamp:     time.Now(),
	}, string(raw))
	p.frameMetric(deviceID, model.KindCallResult, "", model.DirOutgoing, time.Now())
}

func (p *Pipeline) persistIncoming(deviceID string, dev *deviceState, t task) {
	p.persist(dev, model.Message{
		DeviceID:      deviceID,
		Kind:          t.frame.Kind,
		CorrelationID: t.frame.CorrelationID,
		Action:        t.frame.Action,
		Payload:       t.frame.Payload,
		Direction:     model.DirIncoming,
		Timestamp:     t.at,
	}, string(t.raw))
}

// persist allocates the device's next sequence number and writes the
// message to the log, holding the device lock across both so sequence order
// always matches append order, then publishes the audit entry. Audit
// failures are logged only; the queue is the decoupling mechanism and must
// never feed back into the protocol path.
func (p *Pipeline) persist(dev *deviceState, msg model.Message, raw string) {
	dev.mu.Lock()
	dev.seq++
	msg.Sequence = dev.seq
	err := p.store.Append(context.Background(), msg)
	dev.mu.Unlock()
	if err != nil {
		p.log.Errorf("persist %s message for %s: %v", msg.Action, msg.DeviceID, err)
		return
	}
	if p.audit == nil {
		return
	}
	messageType := msg.Action
	if messageType == "" {
		messageType = msg.Kind.String()
	}
	entry := model.AuditEntry{
		DeviceID:    msg.DeviceID,
		MessageType: messageType,
		Payload:     msg.Payload,
		Direction:   msg.Direction,
		RawMessage:  raw,
		MessageID:   msg.CorrelationID,
		Timestamp:   msg.Timestamp,
	}
	if err := p.audit.PublishAudit(entry); err != nil {
		p.log.Errorf("audit publish for %s: %v", msg.DeviceID, err)
	}
}

// RecordOutgoingCall persists a server-initiated CALL in the device's log,
// sequenced by the same per-device allocator the ingestion path uses. Used
// by the command orchestrator for audit of both directions.
func (p *Pipeline) RecordOutgoingCall(deviceID, correlationID, action string, payload map[string]any) {
	raw, err := protocol.EncodeCall(correlationID, action, payload)
	if err != nil {
		p.log.Errorf("encode outgoing %s for %s: %v", action, deviceID, err)
		return
	}
	dev := p.device(deviceID)
	p.persist(dev, model.Message{
		DeviceID:      deviceID,
		Kind:          model.KindCall,
		CorrelationID: correlationID,
		Action:        action,
		Payload:       payload,
		Direction:     model.DirOutgoing,
		Timestamp:     time.Now(),
	}, string(raw))
	p.frameMetric(deviceID, model.KindCall, action, model.DirOutgoing, time.Now())
}

// scheduleConfigPush issues a one-time ChangeConfiguration call shortly
// after a boot, once the Accepted reply has flushed.
func (p *Pipeline) scheduleConfigPush(deviceID string) {
	delay := time.Duration(p.cfg.BootPushDelayMS) * time.Millisecond
	timeout := time.Duration(p.cfg.CallTimeoutSeconds) * time.Second
	time.AfterFunc(delay, func() {
		payload := map[string]any{
			"key":   "MeterValueSampleInterval",
			"value": "60",
		}
		res, err := p.reg.Call(deviceID, protocol.NewMessageID(), model.ActionChangeConfig, timeout, payload)
		if err != nil {
			p.log.Warnf("config push to %s failed: %v", deviceID, err)
			return
		}
		p.log.Debugw("config push answered", map[string]any{"device": deviceID, "payload": res.Payload})
	})
}

func (p *Pipeline) frameMetric(deviceID string, kind model.MessageKind, action string, dir model.Direction, at time.Time) {
	if fr, ok := p.sink.(metrics.FrameRecorder); ok {
		if err := fr.RecordFrame(metrics.FrameEvent{DeviceID: deviceID, Kind: kind, Action: action, Direction: dir, Time: at}); err != nil {
			p.log.Errorf("frame metrics error: %v", err)
		}
	}
}

func (p *Pipeline) recordMalformed(deviceID string) {
	if fr, ok := p.sink.(metrics.FrameRecorder); ok {
		_ = fr.RecordFrame(metrics.FrameEvent{DeviceID: deviceID, Action: "malformed", Direction: model.DirIncoming, Time: time.Now()})
	}
}

func replyPayload(f protocol.Frame) map[string]any {
	if f.Kind == model.KindCallError {
		return map[string]any{"errorCode": f.ErrorCode, "errorDescription": f.ErrorDesc}
	}
	return f.Payload
}

// latestEnergyReading extracts the newest cumulative energy sample from a
// MeterValues payload. It accepts both the nested sampledValue form and a
// flat "value" field.
func latestEnergyReading(payload map[string]any) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	if v, ok := payloadFloat(payload, "value"); ok {
		return v, true
	}
	values, ok := payload["meterValue"].([]any)
	if !ok || len(values) == 0 {
		return 0, false
	}
	last, ok := values[len(values)-1].(map[string]any)
	if !ok {
		return 0, false
	}
	samples, ok := last["sampledValue"].([]any)
	if !ok {
		return 0, false
	}
	for i := len(samples) - 1; i >= 0; i-- {
		s, ok := samples[i].(map[string]any)
		if !ok {
			continue
		}
		if m, ok := s["measurand"].(string); ok && m != "Energy.Active.Import.Register" {
			continue
		}
		switch v := s["value"].(type) {
		case float64:
			return v, true
		case string:
			if f, ok := parseFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	if v, ok := payload[key].(float64); ok {
		return int(v), true
	}
	if v, ok := payload[key].(int); ok {
		return v, true
	}
	return 0, false
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key].(float64)
	return v, ok
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
