// Package config loads the stagewise YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/stagewise/internal/resilience"
	"github.com/petrijr/stagewise/pkg/api"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config is the root of the configuration file.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Engine     EngineConfig     `yaml:"engine"`
	Resilience ResilienceConfig `yaml:"resilience"`

	// Schemas maps a stage name to a JSON schema overriding the built-in one.
	Schemas map[string]string `yaml:"schemas" validate:"dive,keys,oneof=researcher writer,endkeys,required"`

	Corpus  string        `yaml:"corpus"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Worker  WorkerConfig  `yaml:"worker"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite postgres redis mongo"`

	// DSN is a file path for sqlite, a connection string for postgres, an
	// address for redis and a URI for mongo.
	DSN string `yaml:"dsn" validate:"required_unless=Driver memory"`

	// Prefix namespaces redis keys; for mongo it is the database name.
	Prefix string `yaml:"prefix"`

	// Queue is the SQLite file backing the durable task queue.
	Queue string `yaml:"queue"`
}

type EngineConfig struct {
	LockTTL time.Duration `yaml:"lock_ttl" validate:"omitempty,gte=1s"`
}

type ResilienceConfig struct {
	StageExecutor DomainConfig `yaml:"stage_executor"`
	Persistence   DomainConfig `yaml:"persistence"`
}

type DomainConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Circuit CircuitConfig `yaml:"circuit"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	Jitter       bool          `yaml:"jitter"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	HalfOpenTimeout  time.Duration `yaml:"half_open_timeout" validate:"gte=0"`
	Window           time.Duration `yaml:"window" validate:"gte=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name" validate:"required_if=Enabled true"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=1"`
}

// Default returns the configuration used when no file is given: an
// in-memory store and the built-in resilience settings.
func Default() Config {
	return Config{
		Store:  StoreConfig{Driver: DriverMemory},
		Engine: EngineConfig{LockTTL: 30 * time.Second},
		Resilience: ResilienceConfig{
			StageExecutor: defaultDomain(),
			Persistence:   defaultDomain(),
		},
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "stagewise"},
		Worker:  WorkerConfig{Concurrency: 1},
	}
}

func defaultDomain() DomainConfig {
	d := resilience.DefaultDomainConfig()
	return DomainConfig{
		Retry: RetryConfig{
			MaxRetries:   d.Retry.MaxRetries,
			InitialDelay: d.Retry.InitialDelay,
			Multiplier:   d.Retry.Multiplier,
			MaxDelay:     d.Retry.MaxDelay,
			Jitter:       d.Retry.Jitter,
		},
		Circuit: CircuitConfig{
			FailureThreshold: d.Circuit.FailureThreshold,
			Timeout:          d.Circuit.Timeout,
			HalfOpenTimeout:  d.Circuit.HalfOpenTimeout,
			Window:           d.Circuit.Window,
		},
	}
}

// Load reads the file at path on top of Default. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ResilienceDomains converts the resilience section for resilience.Config.
func (c Config) ResilienceDomains() map[resilience.Domain]resilience.DomainConfig {
	return map[resilience.Domain]resilience.DomainConfig{
		resilience.DomainStageExecutor: c.Resilience.StageExecutor.domain(),
		resilience.DomainPersistence:   c.Resilience.Persistence.domain(),
	}
}

func (d DomainConfig) domain() resilience.DomainConfig {
	return resilience.DomainConfig{
		Retry: resilience.RetryPolicy{
			MaxRetries:   d.Retry.MaxRetries,
			InitialDelay: d.Retry.InitialDelay,
			Multiplier:   d.Retry.Multiplier,
			MaxDelay:     d.Retry.MaxDelay,
			Jitter:       d.Retry.Jitter,
		},
		Circuit: resilience.CircuitConfig{
			FailureThreshold: d.Circuit.FailureThreshold,
			Timeout:          d.Circuit.Timeout,
			HalfOpenTimeout:  d.Circuit.HalfOpenTimeout,
			Window:           d.Circuit.Window,
		},
	}
}

// StageSchemas converts the schemas section for handoff.Config.
func (c Config) StageSchemas() map[api.Stage]string {
	if len(c.Schemas) == 0 {
		return nil
	}
	out := make(map[api.Stage]string, len(c.Schemas))
	for stage, src := range c.Schemas {
		out[api.Stage(stage)] = src
	}
	return out
}

// SlogLevel maps the log level name onto a slog.Level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
