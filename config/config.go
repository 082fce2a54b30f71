// Package config loads echohub's configuration file.
//
// The file is TOML unless its extension is .yaml or .yml. Keys that are
// absent keep their DefaultConfig values; unknown keys are an error.
//
//	[server]
//	listen  = ":8080"
//	api_key = "operator-secret"
//
//	[liveness]
//	stale           = "5m"
//	unresponsive    = "7m"
//	offline_cleanup = "5m"
//	interval        = "1m"
//
//	[store]
//	backend = "postgres"
//	dsn     = "postgres://echohub@db/echohub"
//
//	[bus]
//	backend = "nats"
//	url     = "nats://nats:4222"
//
//	[rate_limit.nodes]
//	capacity = 120
//	window   = "1m"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/echohub/liveness"
	"github.com/vinayprograms/echohub/ratelimit"
	"github.com/vinayprograms/echohub/shutdown"
	"github.com/vinayprograms/echohub/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreNATS     = "nats"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
)

// Config is the full hub configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Liveness  liveness.Config `toml:"liveness" yaml:"liveness"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Shutdown  shutdown.Config `toml:"shutdown" yaml:"shutdown"`
}

// RateLimitConfig bounds how fast clients may talk to the hub. A zero
// capacity disables a limit.
type RateLimitConfig struct {
	// Nodes limits inbound JSON-RPC messages per WebSocket connection.
	Nodes ratelimit.Config `toml:"nodes" yaml:"nodes"`

	// API limits mutating operator requests per client address.
	API ratelimit.Config `toml:"api" yaml:"api"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen string `toml:"listen" yaml:"listen" validate:"required,hostname_port"`

	// APIKey guards the mutating operator routes. Empty leaves them open.
	APIKey string `toml:"api_key" yaml:"api_key"`

	// AllowedOrigins restricts browser WebSocket upgrades. Empty allows any.
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" validate:"dive,url"`

	// Shards is the connection registry's lock stripe count.
	Shards int `toml:"shards" yaml:"shards" validate:"gte=1,lte=4096"`
}

// StoreConfig selects the node store.
type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend" validate:"oneof=memory postgres mongo nats"`

	// DSN is the database URL. The nats backend falls back to bus.url.
	DSN string `toml:"dsn" yaml:"dsn" validate:"required_if=Backend postgres,required_if=Backend mongo"`

	// Database names the MongoDB database.
	Database string `toml:"database" yaml:"database"`

	// Table is the table, collection or KV bucket name. Empty selects the
	// backend's default.
	Table string `toml:"table" yaml:"table" validate:"omitempty,max=63"`

	// Replicas is the NATS KV replica count.
	Replicas int `toml:"replicas" yaml:"replicas" validate:"gte=0,lte=5"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	Backend string `toml:"backend" yaml:"backend" validate:"oneof=memory nats"`
	URL     string `toml:"url" yaml:"url" validate:"required_if=Backend nats"`

	// SubjectPrefix namespaces broadcast and ping subjects. Default: "presence"
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix"`

	// ClientName identifies the hub to the NATS server.
	ClientName string `toml:"client_name" yaml:"client_name"`

	// BufferSize is the per-subscription channel size.
	BufferSize int `toml:"buffer_size" yaml:"buffer_size" validate:"gte=1"`

	// PublishQueue bounds the asynchronous publisher. Zero publishes inline.
	PublishQueue int `toml:"publish_queue" yaml:"publish_queue" validate:"gte=0"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled" yaml:"enabled"`
	Endpoint    string            `toml:"endpoint" yaml:"endpoint"`
	Protocol    string            `toml:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"`
	Insecure    bool              `toml:"insecure" yaml:"insecure"`
	ServiceName string            `toml:"service_name" yaml:"service_name"`
	Headers     map[string]string `toml:"headers" yaml:"headers"`
}

// ProviderConfig converts the section for telemetry.InitProvider.
func (t TelemetryConfig) ProviderConfig(version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		Headers:        t.Headers,
		BatchTimeout:   5 * time.Second,
		ExportTimeout:  10 * time.Second,
	}
}

// DefaultConfig returns a configuration that runs entirely in memory.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":8080",
			Shards: 32,
		},
		Liveness: liveness.DefaultConfig(),
		Store: StoreConfig{
			Backend:  StoreMemory,
			Replicas: 1,
		},
		Bus: BusConfig{
			Backend:       BusMemory,
			SubjectPrefix: "presence",
			ClientName:    "echohub",
			BufferSize:    256,
			PublishQueue:  1024,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "echohub",
		},
		RateLimit: RateLimitConfig{
			Nodes: ratelimit.Config{Capacity: 120, Window: time.Minute},
			API:   ratelimit.Config{Capacity: 60, Window: time.Minute},
		},
		Shutdown: shutdown.DefaultConfig(),
	}
}

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseTOML(data)
	}
}

// ParseTOML decodes TOML content over DefaultConfig.
func ParseTOML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	return &cfg, cfg.Validate()
}

// ParseYAML decodes YAML content over DefaultConfig.
func ParseYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, cfg.Validate()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their file key rather than the Go name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := c.Liveness.Validate(); err != nil {
		return fmt.Errorf("%w: liveness: %w", ErrInvalid, err)
	}
	if err := c.RateLimit.Nodes.Validate(); err != nil {
		return fmt.Errorf("%w: rate_limit.nodes: %w", ErrInvalid, err)
	}
	if err := c.RateLimit.API.Validate(); err != nil {
		return fmt.Errorf("%w: rate_limit.api: %w", ErrInvalid, err)
	}
	if err := c.Shutdown.Validate(); err != nil {
		return fmt.Errorf("%w: shutdown: %w", ErrInvalid, err)
	}
	if c.Store.Backend == StoreNATS && c.Store.DSN == "" && c.Bus.URL == "" {
		return fmt.Errorf("%w: store.dsn: nats store needs dsn or bus.url", ErrInvalid)
	}
	return nil
}

// NATSURL returns the server URL for the NATS store.
func (s StoreConfig) NATSURL(bus BusConfig) string {
	if s.DSN != "" {
		return s.DSN
	}
	return bus.URL
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		// Namespace is "Config.server.listen"; drop the type name.
		field := e.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}

		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, fmt.Sprintf("%s: field is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s], got %q", field, e.Param(), e.Value()))
		case "hostname_port":
			msgs = append(msgs, fmt.Sprintf("%s: must be host:port, got %q", field, e.Value()))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s: must be at least %s", field, e.Param()))
		case "lte", "max":
			msgs = append(msgs, fmt.Sprintf("%s: must not exceed %s", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s check", field, e.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
