package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/ibforward/internal/model"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://infrabox-api.infrabox-system:8080", cfg.Endpoint())
}

func TestSynchronousConfig(t *testing.T) {
	cfg := DefaultConfig().Synchronous()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.MaxChunkRecords)
	assert.Zero(t, cfg.FlushInterval)
	assert.True(t, cfg.IsSynchronous())

	assert.False(t, DefaultConfig().IsSynchronous())
	buffered := DefaultConfig()
	buffered.FlushInterval = 0
	assert.False(t, buffered.IsSynchronous(), "flush-interval 0 alone keeps multi-record chunks")
}

func TestEndpointIPv6(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointHost = "::1"
	cfg.EndpointPort = 9000
	assert.Equal(t, "http://[::1]:9000", cfg.Endpoint())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"empty host", func(c *Config) { c.EndpointHost = " " }},
		{"host with scheme", func(c *Config) { c.EndpointHost = "http://api" }},
		{"host with path", func(c *Config) { c.EndpointHost = "api/internal" }},
		{"port zero", func(c *Config) { c.EndpointPort = 0 }},
		{"port too large", func(c *Config) { c.EndpointPort = 70000 }},
		{"zero records", func(c *Config) { c.MaxChunkRecords = 0 }},
		{"zero bytes", func(c *Config) { c.MaxChunkBytes = 0 }},
		{"negative flush", func(c *Config) { c.FlushInterval = -time.Second }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero backoff", func(c *Config) { c.RetryBackoffBase = 0 }},
		{"backoff max below base", func(c *Config) { c.RetryBackoffMax = c.RetryBackoffBase / 2 }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative rate", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"zero workers", func(c *Config) { c.DeliveryWorkers = 0 }},
		{"zero queue", func(c *Config) { c.DeliveryQueueSize = 0 }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
		{"empty tag", func(c *Config) { c.Tag = "" }},
		{"spool without path", func(c *Config) { c.SpoolEnabled = true; c.SpoolPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			assert.ErrorIs(t, cfg.Validate(), model.ErrConfig)
		})
	}
}
