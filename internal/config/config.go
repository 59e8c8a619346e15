// Agent configuration loader with CUE validation and environment overrides
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gpuwatch/internal/policy"
	"gpuwatch/internal/predictive"
	"gpuwatch/internal/rca"
)

// Window sizes the sliding snapshot history.
type Window struct {
	// RCA is the trailing sub-window correlated each tick.
	RCA time.Duration `yaml:"rca" json:"rca"`
	// Predictive is the full retention, also used for risk scoring.
	Predictive   time.Duration `yaml:"predictive" json:"predictive"`
	MaxSnapshots int           `yaml:"max_snapshots" json:"max_snapshots"`
}

// Predictive extends the engine weights with the alerting threshold.
type Predictive struct {
	predictive.Config `yaml:",inline"`
	CriticalScore     float64 `yaml:"critical_score" json:"critical_score"`
}

// Policy configures the enforcement engine.
type Policy struct {
	Profile           string        `yaml:"profile" json:"profile"`
	Mode              string        `yaml:"mode" json:"mode"`
	DampeningInterval time.Duration `yaml:"dampening_interval" json:"dampening_interval"`
	ActuatorTimeout   time.Duration `yaml:"actuator_timeout" json:"actuator_timeout"`
	AlertInterval     time.Duration `yaml:"alert_interval" json:"alert_interval"`
	NvidiaSMI         string        `yaml:"nvidia_smi" json:"nvidia_smi"`
}

// Collector selects the snapshot source.
type Collector struct {
	Source       string `yaml:"source" json:"source"`
	ReplayPath   string `yaml:"replay_path" json:"replay_path"`
	Accelerators int    `yaml:"accelerators" json:"accelerators"`
	Seed         int64  `yaml:"seed" json:"seed"`
	Scenario     string `yaml:"scenario" json:"scenario"`
}

// Collector sources.
const (
	SourceSynthetic = "synthetic"
	SourceReplay    = "replay"
)

// Greptime configures the time-series buffer.
type Greptime struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Database string `yaml:"database" json:"database"`
}

// NATS configures the audit stream publisher.
type NATS struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

// Sinks lists optional outputs. Empty paths disable a sink.
type Sinks struct {
	SnapshotLog  string   `yaml:"snapshot_log" json:"snapshot_log"`
	DetectionLog string   `yaml:"detection_log" json:"detection_log"`
	RiskLog      string   `yaml:"risk_log" json:"risk_log"`
	AuditLog     string   `yaml:"audit_log" json:"audit_log"`
	AuditDB      string   `yaml:"audit_db" json:"audit_db"`
	Greptime     Greptime `yaml:"greptime" json:"greptime"`
	NATS         NATS     `yaml:"nats" json:"nats"`
}

// Admin configures the control server.
type Admin struct {
	Listen  string `yaml:"listen" json:"listen"`
	Token   string `yaml:"token" json:"-"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Config is the root agent configuration.
type Config struct {
	Node           string            `yaml:"node" json:"node"`
	Tags           map[string]string `yaml:"tags" json:"tags,omitempty"`
	Labels         map[string]string `yaml:"labels" json:"labels,omitempty"`
	ScrapeInterval time.Duration     `yaml:"scrape_interval" json:"scrape_interval"`
	CollectTimeout time.Duration     `yaml:"collect_timeout" json:"collect_timeout"`
	LogLevel       string            `yaml:"log_level" json:"log_level"`
	LogFormat      string            `yaml:"log_format" json:"log_format"`

	Window     Window     `yaml:"window" json:"window"`
	RCA        rca.Config `yaml:"rca" json:"rca"`
	Predictive Predictive `yaml:"predictive" json:"predictive"`
	Policy     Policy     `yaml:"policy" json:"policy"`
	Collector  Collector  `yaml:"collector" json:"collector"`
	Sinks      Sinks      `yaml:"sinks" json:"sinks"`
	Admin      Admin      `yaml:"admin" json:"admin"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	node, err := os.Hostname()
	if err != nil || node == "" {
		node = "localhost"
	}
	return Config{
		Node:           node,
		ScrapeInterval: 15 * time.Second,
		CollectTimeout: 5 * time.Second,
		LogLevel:       "info",
		LogFormat:      "text",
		Window: Window{
			RCA:        300 * time.Second,
			Predictive: time.Hour,
		},
		RCA:        rca.DefaultConfig(),
		Predictive: Predictive{Config: predictive.DefaultConfig(), CriticalScore: 80},
		Policy: Policy{
			Mode:              string(policy.ModeMonitor),
			DampeningInterval: policy.DefaultDampeningInterval,
			ActuatorTimeout:   policy.DefaultActuatorTimeout,
			AlertInterval:     5 * time.Minute,
		},
		Collector: Collector{
			Source:       SourceSynthetic,
			Accelerators: 4,
			Seed:         1,
		},
		Sinks: Sinks{
			Greptime: Greptime{Database: "public"},
			NATS:     NATS{Subject: "gpuwatch.audit"},
		},
		Admin: Admin{Listen: "127.0.0.1:9100", Enabled: true},
	}
}

// Load reads the YAML config at configPath, validates it against the CUE
// schema (embedded when cueSchemaPath is empty), layers it over Default and
// applies environment overrides. An empty configPath yields the defaults.
func Load(configPath, cueSchemaPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		data, err := ValidateWithCue(configPath, cueSchemaPath)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("GPUWATCH_NODE"); v != "" {
		c.Node = v
	}
	if v := os.Getenv("GPUWATCH_SCRAPE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GPUWATCH_SCRAPE_INTERVAL: %w", err)
		}
		c.ScrapeInterval = d
	}
	if v := os.Getenv("GREPTIMEDB_ENDPOINT"); v != "" {
		c.Sinks.Greptime.Endpoint = v
	}
	if v := os.Getenv("GPUWATCH_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	return nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.ScrapeInterval <= 0 {
		errs = append(errs, fmt.Errorf("scrape_interval must be positive"))
	}
	if c.CollectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("collect_timeout must be positive"))
	}
	if c.Window.RCA <= 0 || c.Window.Predictive <= 0 {
		errs = append(errs, fmt.Errorf("window durations must be positive"))
	} else if c.Window.RCA > c.Window.Predictive {
		errs = append(errs, fmt.Errorf("window.rca (%s) exceeds window.predictive (%s)", c.Window.RCA, c.Window.Predictive))
	}
	if err := c.RCA.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rca: %w", err))
	}
	if err := c.Predictive.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("predictive: %w", err))
	}
	if _, err := policy.ParseMode(c.Policy.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Policy.DampeningInterval < 0 || c.Policy.ActuatorTimeout < 0 {
		errs = append(errs, fmt.Errorf("policy intervals must not be negative"))
	}
	switch c.Collector.Source {
	case SourceSynthetic:
		if c.Collector.Accelerators < 1 {
			errs = append(errs, fmt.Errorf("collector.accelerators must be at least 1"))
		}
	case SourceReplay:
		if c.Collector.ReplayPath == "" {
			errs = append(errs, fmt.Errorf("collector.replay_path is required for replay source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown collector source %q", c.Collector.Source))
	}
	return errors.Join(errs...)
}
