package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/csms/config"
	"github.com/kilianp07/csms/core/command"
	"github.com/kilianp07/csms/core/inference"
	"github.com/kilianp07/csms/core/ingest"
	coremetrics "github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/reconcile"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/status"
	corestore "github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/infra/metrics"
	"github.com/kilianp07/csms/infra/mqtt"
	"github.com/kilianp07/csms/infra/store"
	"github.com/kilianp07/csms/infra/ws"
	"github.com/kilianp07/csms/internal/eventbus"
)

// Service wires the protocol engine: the device-facing listener, the
// ingestion pipeline, the command orchestrator behind the queue bridge and
// the disconnect reconciler.
type Service struct {
	server   *ws.Server
	pipeline *ingest.Pipeline
	registry *registry.Registry
	bridge   *mqtt.Bridge
	messages corestore.MessageStore
	sessions corestore.SessionStore
	bus      *eventbus.Bus
	sink     coremetrics.Sink
	log      logger.Logger

	promEnabled bool
	promPort    string
}

// bridgeRelay defers the response and audit channels to a bridge that is
// constructed after its consumers. Both channels stay silent until the
// bridge is attached.
type bridgeRelay struct {
	bridge *mqtt.Bridge
}

func (r *bridgeRelay) PublishResponse(resp model.CommandResponse) error {
	if r.bridge == nil {
		return nil
	}
	return r.bridge.PublishResponse(resp)
}

func (r *bridgeRelay) PublishAudit(entry model.AuditEntry) error {
	if r.bridge == nil {
		return nil
	}
	return r.bridge.PublishAudit(entry)
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var (
		messages corestore.MessageStore
		sessions corestore.SessionStore
		err      error
	)
	switch cfg.Store.Backend {
	case "sqlite":
		messages, err = store.NewSQLiteMessageStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("message store: %w", err)
		}
		sessions, err = store.NewSQLiteSessionStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
	default:
		messages = corestore.NewMemoryMessageStore()
		sessions = corestore.NewMemorySessionStore()
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	var sink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New()
	reg := registry.New(logger.New("registry"))
	connectors := status.NewMemoryStore()
	relay := &bridgeRelay{}

	pipeline := ingest.New(reg, messages, connectors, relay, bus, sink, cfg.Ingest, logger.New("ingest"))

	staleness := time.Duration(cfg.Inference.StalenessHours) * time.Hour
	inferencer := inference.NewService(messages, staleness, cfg.Inference.WindowSize)

	orchestrator := command.New(reg, inferencer, pipeline, relay, sink, bus, cfg.Command, logger.New("command"))

	bridge, err := mqtt.NewBridge(cfg.MQTT, orchestrator, logger.New("mqtt"))
	if err != nil {
		return nil, fmt.Errorf("mqtt bridge: %w", err)
	}
	relay.bridge = bridge

	var tariff *model.Tariff
	if cfg.Tariff.UnitRatePerKWh > 0 {
		tariff = &model.Tariff{UnitRatePerKWh: cfg.Tariff.UnitRatePerKWh, TaxRate: cfg.Tariff.TaxRate}
	}
	reconciler := reconcile.New(
		sessions,
		corestore.StaticTariffSource{Tariff: tariff},
		corestore.NewMemoryBalanceService(),
		connectors,
		bus,
		sink,
		logger.New("reconcile"),
	)

	server := ws.NewServer(cfg.Server, reg, pipeline, reconciler, connectors, bus, sink, logger.New("ws"))

	return &Service{
		server:      server,
		pipeline:    pipeline,
		registry:    reg,
		bridge:      bridge,
		messages:    messages,
		sessions:    sessions,
		bus:         bus,
		sink:        sink,
		log:         logg,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	metrics.StartEventCollector(ctx, s.bus, s.sink)
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Close releases resources held by the service. Connections are torn down
// before the pipeline so no frame is admitted into a closing queue.
func (s *Service) Close() error {
	s.bridge.Disconnect()
	s.registry.Close()
	s.pipeline.Close()
	s.bus.Close()
	if err := s.messages.Close(); err != nil {
		return err
	}
	return s.sessions.Close()
}
