package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
)

func TestPromSink_RecordCommandResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	rec := coremetrics.CommandResult{
		Kind:     model.CommandStart,
		DeviceID: "cp-1",
		Status:   model.StatusAccepted,
		Latency:  150 * time.Millisecond,
		Time:     time.Now(),
	}
	if err := sink.RecordCommandResult([]coremetrics.CommandResult{rec}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	expected := `
# HELP csms_commands_total Settled operator commands
# TYPE csms_commands_total counter
csms_commands_total{error_code="",kind="start",status="Accepted"} 1
`
	if err := testutil.CollectAndCompare(sink.commands, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
	if c := testutil.CollectAndCount(sink.latency); c == 0 {
		t.Errorf("latency not recorded")
	}
}

func TestPromSink_RecordFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	ev := coremetrics.FrameEvent{
		DeviceID:  "cp-1",
		Kind:      model.KindCall,
		Action:    model.ActionHeartbeat,
		Direction: model.DirIncoming,
		Time:      time.Now(),
	}
	if err := sink.RecordFrame(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if err := sink.RecordFrame(ev); err != nil {
		t.Fatalf("record error: %v", err)
	}

	expected := `
# HELP csms_frames_total Protocol frames crossing the wire
# TYPE csms_frames_total counter
csms_frames_total{action="Heartbeat",direction="incoming",kind="CALL"} 2
`
	if err := testutil.CollectAndCompare(sink.frames, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestPromSink_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	if err := sink.RecordConnectedDevices(3); err != nil {
		t.Fatalf("connected error: %v", err)
	}
	if got := testutil.ToFloat64(sink.connected); got != 3 {
		t.Errorf("connected gauge = %v, want 3", got)
	}

	if err := sink.RecordMeterReading(coremetrics.MeterReading{DeviceID: "cp-1", ConnectorID: 1, EnergyWh: 1500}); err != nil {
		t.Fatalf("meter error: %v", err)
	}
	if got := testutil.ToFloat64(sink.energy.WithLabelValues("cp-1", "1")); got != 1500 {
		t.Errorf("energy gauge = %v, want 1500", got)
	}
}

func TestPromSink_RecordReconciliation(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	events := []coremetrics.ReconciliationEvent{
		{DeviceID: "cp-1", SessionID: "s1", FinalAmount: 35.4, RefundAmount: 14.6},
		{DeviceID: "cp-1", SessionID: "s2", FinalAmount: 50, RefundAmount: 0},
	}
	for _, ev := range events {
		if err := sink.RecordReconciliation(ev); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}
	if got := testutil.ToFloat64(sink.settlements); got != 2 {
		t.Errorf("settlements = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.refunds); got != 14.6 {
		t.Errorf("refunds = %v, want 14.6", got)
	}
}

func TestNewPromSinkWithRegistry_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
}
