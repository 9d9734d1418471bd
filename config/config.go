package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/csms/core/command"
	"github.com/kilianp07/csms/core/ingest"
	"github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/infra/mqtt"
	"github.com/kilianp07/csms/infra/store"
	"github.com/kilianp07/csms/infra/ws"
)

type Config struct {
	Server    ws.Config       `json:"server"`
	MQTT      mqtt.Config     `json:"mqtt"`
	Store     store.Config    `json:"store"`
	Ingest    ingest.Config   `json:"ingest"`
	Command   command.Config  `json:"command"`
	Inference InferenceConfig `json:"inference"`
	Metrics   metrics.Config  `json:"metrics"`
	Tariff    TariffConfig    `json:"tariff"`
}

// InferenceConfig parameterizes transaction state inference over the
// message history.
type InferenceConfig struct {
	// StalenessHours discards starts older than this horizon.
	StalenessHours int `json:"staleness_hours"`
	// WindowSize bounds how many recent messages are replayed.
	WindowSize int `json:"window_size"`
}

// SetDefaults applies sane defaults.
func (c *InferenceConfig) SetDefaults() {
	if c.StalenessHours <= 0 {
		c.StalenessHours = 12
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 500
	}
}

// TariffConfig is the static pricing applied by disconnect reconciliation.
type TariffConfig struct {
	UnitRatePerKWh float64 `json:"unit_rate_per_kwh"`
	TaxRate        float64 `json:"tax_rate"`
}

// Validate checks mandatory fields.
func (c TariffConfig) Validate() error {
	if c.UnitRatePerKWh < 0 {
		return fmt.Errorf("unit_rate_per_kwh must not be negative")
	}
	if c.TaxRate < 0 {
		return fmt.Errorf("tax_rate must not be negative")
	}
	return nil
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides. The callback flattens K_MQTT__BROKER
	// to mqtt.broker, so the provider splits on the rewritten dots.
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Server.SetDefaults()
	cfg.MQTT.SetDefaults()
	cfg.Store.SetDefaults()
	cfg.Ingest.SetDefaults()
	cfg.Command.SetDefaults()
	cfg.Inference.SetDefaults()
	cfg.Metrics.SetDefaults()
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tariff.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
