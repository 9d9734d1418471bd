package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/csms/core/metrics"
)

// PromSink records protocol and command activity in Prometheus metrics.
type PromSink struct {
	frames      *prometheus.CounterVec
	commands    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	connected   prometheus.Gauge
	energy      *prometheus.GaugeVec
	settlements prometheus.Counter
	refunds     prometheus.Counter
}

// NewPromSink registers the metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_frames_total",
		Help: "Protocol frames crossing the wire",
	}, []string{"action", "kind", "direction"})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_commands_total",
		Help: "Settled operator commands",
	}, []string{"kind", "status", "error_code"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "csms_command_latency_seconds",
		Help:    "Time between command admission and its settled outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "status"})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "csms_connected_devices",
		Help: "Number of devices with a live connection",
	})
	energy := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "csms_connector_energy_wh",
		Help: "Latest cumulative energy reading per connector",
	}, []string{"device_id", "connector_id"})
	settlements := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "csms_reconciled_sessions_total",
		Help: "Sessions settled after a device disconnect",
	})
	refunds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "csms_refunded_amount_total",
		Help: "Total amount refunded by disconnect reconciliation",
	})

	if err := register(reg, &frames); err != nil {
		return nil, err
	}
	if err := register(reg, &commands); err != nil {
		return nil, err
	}
	if err := register(reg, &latency); err != nil {
		return nil, err
	}
	if err := register(reg, &connected); err != nil {
		return nil, err
	}
	if err := register(reg, &energy); err != nil {
		return nil, err
	}
	if err := register(reg, &settlements); err != nil {
		return nil, err
	}
	if err := register(reg, &refunds); err != nil {
		return nil, err
	}

	return &PromSink{
		frames:      frames,
		commands:    commands,
		latency:     latency,
		connected:   connected,
		energy:      energy,
		settlements: settlements,
		refunds:     refunds,
	}, nil
}

// register swaps the collector for the existing one when it is already
// registered, so repeated sink construction stays idempotent.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return err
		}
		*c = existing
	}
	return nil
}

// RecordCommandResult increments the outcome counter and observes latency.
func (s *PromSink) RecordCommandResult(results []coremetrics.CommandResult) error {
	for _, r := range results {
		kind := string(r.Kind)
		status := string(r.Status)
		s.commands.WithLabelValues(kind, status, r.ErrorCode).Inc()
		s.latency.WithLabelValues(kind, status).Observe(r.Latency.Seconds())
	}
	return nil
}

// RecordFrame counts one protocol frame.
func (s *PromSink) RecordFrame(ev coremetrics.FrameEvent) error {
	s.frames.WithLabelValues(ev.Action, ev.Kind.String(), string(ev.Direction)).Inc()
	return nil
}

// RecordMeterReading sets the per-connector energy gauge.
func (s *PromSink) RecordMeterReading(ev coremetrics.MeterReading) error {
	s.energy.WithLabelValues(ev.DeviceID, strconv.Itoa(ev.ConnectorID)).Set(ev.EnergyWh)
	return nil
}

// RecordConnectedDevices sets the connected-devices gauge.
func (s *PromSink) RecordConnectedDevices(n int) error {
	s.connected.Set(float64(n))
	return nil
}

// RecordReconciliation counts one settled session and its refunded amount.
func (s *PromSink) RecordReconciliation(ev coremetrics.ReconciliationEvent) error {
	s.settlements.Inc()
	if ev.RefundAmount > 0 {
		s.refunds.Add(ev.RefundAmount)
	}
	return nil
}
