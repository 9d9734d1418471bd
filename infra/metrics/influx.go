package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/infra/logger"
)

// InfluxSink writes charging telemetry to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordCommandResult writes settled commands as line protocol events.
func (s *InfluxSink) RecordCommandResult(results []coremetrics.CommandResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range results {
		p := write.NewPointWithMeasurement("command_result").
			AddTag("device_id", r.DeviceID).
			AddTag("kind", string(r.Kind)).
			AddTag("status", string(r.Status)).
			AddTag("component", "command_orchestrator")
		if r.ErrorCode != "" {
			p = p.AddTag("error_code", r.ErrorCode)
		}
		p = p.AddField("latency_ms", round3(r.Latency.Seconds()*1000)).
			SetTime(r.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordMeterReading writes one cumulative energy sample.
func (s *InfluxSink) RecordMeterReading(ev coremetrics.MeterReading) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("meter_reading").
		AddTag("device_id", ev.DeviceID).
		AddTag("connector_id", strconv.Itoa(ev.ConnectorID)).
		AddTag("component", "ingest").
		AddField("energy_wh", round3(ev.EnergyWh)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordConnectorStatus writes one connector status change.
func (s *InfluxSink) RecordConnectorStatus(ev coremetrics.ConnectorStatusEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("connector_status").
		AddTag("device_id", ev.DeviceID).
		AddTag("connector_id", strconv.Itoa(ev.ConnectorID)).
		AddTag("component", "ingest").
		AddField("status", ev.Status).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordTransaction writes a transaction open or close marker.
func (s *InfluxSink) RecordTransaction(ev coremetrics.TransactionLifecycleEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("transaction_event").
		AddTag("device_id", ev.DeviceID).
		AddTag("connector_id", strconv.Itoa(ev.ConnectorID)).
		AddTag("started", strconv.FormatBool(ev.Started)).
		AddTag("component", "ingest").
		AddField("transaction_id", ev.TransactionID).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordReconciliation writes one post-disconnect settlement.
func (s *InfluxSink) RecordReconciliation(ev coremetrics.ReconciliationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("session_reconciled").
		AddTag("device_id", ev.DeviceID).
		AddTag("session_id", ev.SessionID).
		AddTag("component", "reconciler").
		AddField("final_amount", round3(ev.FinalAmount)).
		AddField("refund_amount", round3(ev.RefundAmount)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
