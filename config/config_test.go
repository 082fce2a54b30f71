package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, BusMemory, cfg.Bus.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Liveness.Stale)
	assert.Equal(t, 7*time.Minute, cfg.Liveness.Unresponsive)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "echohub.toml", `
[server]
listen = "0.0.0.0:9000"
api_key = "secret"
allowed_origins = ["https://ops.example.com"]

[liveness]
stale = "2m"
unresponsive = "3m"
interval = "30s"

[store]
backend = "postgres"
dsn = "postgres://echohub@localhost/echohub"

[bus]
backend = "nats"
url = "nats://localhost:4222"

[log]
level = "debug"

[rate_limit.nodes]
capacity = 30
window = "10s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Liveness.Stale)
	assert.Equal(t, 3*time.Minute, cfg.Liveness.Unresponsive)
	assert.Equal(t, 30*time.Second, cfg.Liveness.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Liveness.OfflineCleanup, "unset keys keep defaults")
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.URL)
	assert.Equal(t, "presence", cfg.Bus.SubjectPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30, cfg.RateLimit.Nodes.Capacity)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Nodes.Window)
	assert.Equal(t, 60, cfg.RateLimit.API.Capacity, "unset keys keep defaults")
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "echohub.yaml", `
server:
  listen: ":7000"
liveness:
  stale: 1m
  unresponsive: 90s
store:
  backend: mongo
  dsn: mongodb://localhost:27017
  database: presence
telemetry:
  enabled: true
  endpoint: localhost:4318
  protocol: http
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.Equal(t, time.Minute, cfg.Liveness.Stale)
	assert.Equal(t, 90*time.Second, cfg.Liveness.Unresponsive)
	assert.Equal(t, StoreMongo, cfg.Store.Backend)
	assert.Equal(t, "presence", cfg.Store.Database)
	assert.True(t, cfg.Telemetry.Enabled)

	pc := cfg.Telemetry.ProviderConfig("1.2.3")
	assert.Equal(t, "localhost:4318", pc.Endpoint)
	assert.Equal(t, "http", pc.Protocol)
	assert.Equal(t, "1.2.3", pc.ServiceVersion)
	assert.Equal(t, "echohub", pc.ServiceName)
}

func TestLoad_EmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestParse_UnknownKeys(t *testing.T) {
	_, err := ParseTOML([]byte("[server]\nlisten = \":8080\"\nlsiten = \":9090\"\n"))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "server.lsiten")

	_, err = ParseYAML([]byte("server:\n  lsiten: \":9090\"\n"))
	assert.Error(t, err)
}

func TestParse_Syntax(t *testing.T) {
	_, err := ParseTOML([]byte("[server\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"bad listen", func(c *Config) { c.Server.Listen = "not an address" }, "server.listen"},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen: field is required"},
		{"zero shards", func(c *Config) { c.Server.Shards = 0 }, "server.shards"},
		{"bad origin", func(c *Config) { c.Server.AllowedOrigins = []string{"::"} }, "server.allowed_origins"},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }, "store.backend: must be one of"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = StorePostgres }, "store.dsn"},
		{"mongo without dsn", func(c *Config) { c.Store.Backend = StoreMongo }, "store.dsn"},
		{"nats store without url", func(c *Config) { c.Store.Backend = StoreNATS }, "store.dsn"},
		{"nats bus without url", func(c *Config) { c.Bus.Backend = BusNATS }, "bus.url"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry.protocol"},
		{"thresholds inverted", func(c *Config) { c.Liveness.Stale = 10 * time.Minute }, "liveness"},
		{"rate limit without window", func(c *Config) { c.RateLimit.Nodes.Window = 0 }, "rate_limit.nodes"},
		{"negative api limit", func(c *Config) { c.RateLimit.API.Capacity = -1 }, "rate_limit.api"},
		{"negative shutdown", func(c *Config) { c.Shutdown.Timeout = -time.Second }, "shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_NATSStoreUsesBusURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = StoreNATS
	cfg.Bus.Backend = BusNATS
	cfg.Bus.URL = "nats://bus:4222"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "nats://bus:4222", cfg.Store.NATSURL(cfg.Bus))

	cfg.Store.DSN = "nats://kv:4222"
	assert.Equal(t, "nats://kv:4222", cfg.Store.NATSURL(cfg.Bus))
}
