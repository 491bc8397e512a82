// ABOUTME: Configuration loading and parsing for coven-coordinator
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// Built-in agent types that can be declared in the agents section.
const (
	AgentTypeEcho    = "echo"
	AgentTypeVoter   = "voter"
	AgentTypeFailing = "failing"
)

// Config represents the complete coven-coordinator configuration
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Health      HealthConfig      `yaml:"health" toml:"health"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Agents      []AgentConfig     `yaml:"agents" toml:"agents"`
}

// CoordinatorConfig holds routing, waiting and dedupe timing
type CoordinatorConfig struct {
	DeliveryTimeout  time.Duration `yaml:"-" toml:"-"`
	PersistTimeout   time.Duration `yaml:"-" toml:"-"`
	StepTimeout      time.Duration `yaml:"-" toml:"-"`
	ConsensusTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`

	// DedupeMaxSize bounds the number of remembered message ids
	DedupeMaxSize int `yaml:"dedupe_max_size" toml:"dedupe_max_size"`

	// Raw string values for unmarshaling
	DeliveryTimeoutRaw  string `yaml:"delivery_timeout" toml:"delivery_timeout"`
	PersistTimeoutRaw   string `yaml:"persist_timeout" toml:"persist_timeout"`
	StepTimeoutRaw      string `yaml:"step_timeout" toml:"step_timeout"`
	ConsensusTimeoutRaw string `yaml:"consensus_timeout" toml:"consensus_timeout"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// HealthConfig holds the agent health sweep configuration
type HealthConfig struct {
	// GRPCAddr serves grpc.health.v1 with one service per agent; empty disables it
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`

	Interval time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`
	CacheTTL time.Duration `yaml:"-" toml:"-"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Endpoint is the OTLP/gRPC collector address; empty uses the exporter's
	// OTEL_EXPORTER_OTLP_ENDPOINT handling
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`

	ExportInterval    time.Duration `yaml:"-" toml:"-"`
	ExportIntervalRaw string        `yaml:"export_interval" toml:"export_interval"`
}

// AgentConfig declares a built-in agent started with the coordinator
type AgentConfig struct {
	ID         string  `yaml:"id" toml:"id"`
	Type       string  `yaml:"type" toml:"type"`
	Vote       any     `yaml:"vote" toml:"vote"`
	Confidence float64 `yaml:"confidence" toml:"confidence"`
	Reasoning  string  `yaml:"reasoning" toml:"reasoning"`
	Error      string  `yaml:"error" toml:"error"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: "coven-coordinator.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// COVEN_DB_PATH wins over the file
	if p := os.Getenv("COVEN_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	c := &cfg.Coordinator
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.PersistTimeout == 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.ConsensusTimeout == 0 {
		c.ConsensusTimeout = 60 * time.Second
	}
	if c.DedupeTTL == 0 {
		c.DedupeTTL = 5 * time.Minute
	}
	if c.DedupeMaxSize == 0 {
		c.DedupeMaxSize = 10000
	}

	h := &cfg.Health
	if h.Timeout == 0 {
		h.Timeout = 5 * time.Second
	}
	if h.CacheTTL == 0 {
		h.CacheTTL = 10 * time.Second
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "coven-coordinator"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 15 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	for i := range cfg.Agents {
		if cfg.Agents[i].Type == AgentTypeVoter && cfg.Agents[i].Confidence == 0 {
			cfg.Agents[i].Confidence = 1.0
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	durations := map[string]time.Duration{
		"coordinator.delivery_timeout":  c.Coordinator.DeliveryTimeout,
		"coordinator.persist_timeout":   c.Coordinator.PersistTimeout,
		"coordinator.step_timeout":      c.Coordinator.StepTimeout,
		"coordinator.consensus_timeout": c.Coordinator.ConsensusTimeout,
		"coordinator.dedupe_ttl":        c.Coordinator.DedupeTTL,
		"health.interval":               c.Health.Interval,
		"health.timeout":                c.Health.Timeout,
		"health.cache_ttl":              c.Health.CacheTTL,
		"telemetry.export_interval":     c.Telemetry.ExportInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Coordinator.DedupeMaxSize < 0 {
		return fmt.Errorf("coordinator.dedupe_max_size must not be negative")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if !protocol.ValidAgentID(a.ID) {
			return fmt.Errorf("agents[%d].id %q is not a valid agent id", i, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d].id %q is declared twice", i, a.ID)
		}
		seen[a.ID] = true

		switch a.Type {
		case AgentTypeEcho, AgentTypeFailing:
		case AgentTypeVoter:
			if a.Vote == nil {
				return fmt.Errorf("agents[%d] (%s): voter requires a vote", i, a.ID)
			}
			if a.Confidence < 0 || a.Confidence > 1 {
				return fmt.Errorf("agents[%d] (%s): confidence must be within [0, 1]", i, a.ID)
			}
		default:
			return fmt.Errorf("agents[%d] (%s): unknown type %q", i, a.ID, a.Type)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delivery_timeout", cfg.Coordinator.DeliveryTimeoutRaw, &cfg.Coordinator.DeliveryTimeout},
		{"persist_timeout", cfg.Coordinator.PersistTimeoutRaw, &cfg.Coordinator.PersistTimeout},
		{"step_timeout", cfg.Coordinator.StepTimeoutRaw, &cfg.Coordinator.StepTimeout},
		{"consensus_timeout", cfg.Coordinator.ConsensusTimeoutRaw, &cfg.Coordinator.ConsensusTimeout},
		{"dedupe_ttl", cfg.Coordinator.DedupeTTLRaw, &cfg.Coordinator.DedupeTTL},
		{"interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"timeout", cfg.Health.TimeoutRaw, &cfg.Health.Timeout},
		{"cache_ttl", cfg.Health.CacheTTLRaw, &cfg.Health.CacheTTL},
		{"export_interval", cfg.Telemetry.ExportIntervalRaw, &cfg.Telemetry.ExportInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
