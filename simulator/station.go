package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/protocol"
)

// Station simulates one charge point speaking the JSON-framed protocol over
// a websocket connection.
type Station struct {
	ID          string
	ServerURL   string
	ConnectorID int
	Strategy    ReplyStrategy
	Meter       *Meter
	Interval    time.Duration

	conn  *websocket.Conn
	outCh chan []byte

	mu       sync.Mutex
	txID     int
	charging bool
	pending  map[string]string // correlation id -> action of our own calls
}

// NewStation creates a station with an idle meter.
func NewStation(id, serverURL string, strat ReplyStrategy, chargeRateKW float64, interval time.Duration) *Station {
	return &Station{
		ID:          id,
		ServerURL:   serverURL,
		ConnectorID: 1,
		Strategy:    strat,
		Meter:       &Meter{ChargeRateKW: chargeRateKW},
		Interval:    interval,
		outCh:       make(chan []byte, 16),
		pending:     make(map[string]string),
	}
}

// Run connects to the server and exchanges frames until ctx is done.
func (s *Station) Run(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", s.ServerURL, s.ID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	defer conn.Close()

	go s.writeLoop(ctx)

	s.call(model.ActionBootNotification, map[string]any{
		"chargePointVendor": "simulated",
		"chargePointModel":  "sim-1",
	})
	s.sendStatus("Available")

	go s.tickers(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleFrame(ctx, raw)
	}
}

func (s *Station) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.outCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Printf("%s: write: %v", s.ID, err)
				return
			}
		}
	}
}

func (s *Station) tickers(ctx context.Context) {
	heartbeat := time.NewTicker(s.Interval)
	meter := time.NewTicker(s.Interval)
	defer heartbeat.Stop()
	defer meter.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.call(model.ActionHeartbeat, map[string]any{})
		case <-meter.C:
			s.mu.Lock()
			charging := s.charging
			txID := s.txID
			s.mu.Unlock()
			if !charging {
				continue
			}
			s.call(model.ActionMeterValues, map[string]any{
				"connectorId":   s.ConnectorID,
				"transactionId": txID,
				"meterValue": []any{
					map[string]any{
						"timestamp": time.Now().UTC().Format(time.RFC3339),
						"sampledValue": []any{
							map[string]any{
								"value":     fmt.Sprintf("%.1f", s.Meter.Reading(time.Now())),
								"measurand": "Energy.Active.Import.Register",
								"unit":      "Wh",
							},
						},
					},
				},
			})
		}
	}
}

func (s *Station) handleFrame(ctx context.Context, raw []byte) {
	f, err := protocol.Parse(raw)
	if err != nil {
		log.Printf("%s: drop malformed frame: %v", s.ID, err)
		return
	}
	switch f.Kind {
	case model.KindCall:
		s.handleCall(ctx, f)
	case model.KindCallResult:
		s.handleResult(f)
	case model.KindCallError:
		s.mu.Lock()
		delete(s.pending, f.CorrelationID)
		s.mu.Unlock()
		log.Printf("%s: call rejected: %s %s", s.ID, f.ErrorCode, f.ErrorDesc)
	}
}

func (s *Station) handleCall(ctx context.Context, f protocol.Frame) {
	switch f.Action {
	case model.ActionRemoteStart:
		status, respond := s.Strategy.Reply(ctx)
		if !respond {
			return
		}
		s.reply(f.CorrelationID, map[string]any{"status": status})
		if status == "Accepted" {
			s.startTransaction(f.Payload)
		}

	case model.ActionRemoteStop:
		status, respond := s.Strategy.Reply(ctx)
		if !respond {
			return
		}
		s.reply(f.CorrelationID, map[string]any{"status": status})
		if status == "Accepted" {
			s.stopTransaction("Remote")
		}

	case model.ActionChangeConfig:
		s.reply(f.CorrelationID, map[string]any{"status": "Accepted"})

	default:
		raw, err := protocol.EncodeError(f.CorrelationID, "NotImplemented", "unsupported action", nil)
		if err != nil {
			return
		}
		s.outCh <- raw
	}
}

// handleResult matches the server's reply to one of our calls. A
// StartTransaction reply carries the transaction id to use from then on.
func (s *Station) handleResult(f protocol.Frame) {
	s.mu.Lock()
	action := s.pending[f.CorrelationID]
	delete(s.pending, f.CorrelationID)
	s.mu.Unlock()

	if action != model.ActionStartTransaction {
		return
	}
	if id, ok := f.Payload["transactionId"].(float64); ok {
		s.mu.Lock()
		s.txID = int(id)
		s.mu.Unlock()
	}
}

func (s *Station) startTransaction(payload map[string]any) {
	now := time.Now()
	s.Meter.StartCharging(now)
	s.mu.Lock()
	s.charging = true
	s.mu.Unlock()

	idTag, _ := payload["idTag"].(string)
	s.call(model.ActionStartTransaction, map[string]any{
		"connectorId": s.ConnectorID,
		"idTag":       idTag,
		"meterStart":  s.Meter.Reading(now),
		"timestamp":   now.UTC().Format(time.RFC3339),
	})
	s.sendStatus("Charging")
}

func (s *Station) stopTransaction(reason string) {
	now := time.Now()
	final := s.Meter.StopCharging(now)
	s.mu.Lock()
	txID := s.txID
	s.charging = false
	s.mu.Unlock()

	s.call(model.ActionStopTransaction, map[string]any{
		"transactionId": txID,
		"meterStop":     final,
		"reason":        reason,
		"timestamp":     now.UTC().Format(time.RFC3339),
	})
	s.sendStatus("Available")
}

func (s *Station) sendStatus(status string) {
	s.call(model.ActionStatusNotification, map[string]any{
		"connectorId": s.ConnectorID,
		"status":      status,
		"errorCode":   "NoError",
	})
}

func (s *Station) call(action string, payload map[string]any) {
	id := protocol.NewMessageID()
	raw, err := protocol.EncodeCall(id, action, payload)
	if err != nil {
		log.Printf("%s: encode %s: %v", s.ID, action, err)
		return
	}
	s.mu.Lock()
	s.pending[id] = action
	s.mu.Unlock()
	select {
	case s.outCh <- raw:
	default:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		log.Printf("%s: outbound queue full, dropping %s", s.ID, action)
	}
}

func (s *Station) reply(correlationID string, payload map[string]any) {
	raw, err := protocol.EncodeResult(correlationID, payload)
	if err != nil {
		log.Printf("%s: encode reply: %v", s.ID, err)
		return
	}
	s.outCh <- raw
}
