package sink

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/ibforward/internal/model"
)

// DefaultTag identifies records produced by this sink.
const DefaultTag = "infrabox.joblog"

// Config holds every option of the forwarding sink.
type Config struct {
	EndpointHost string
	EndpointPort int

	MaxChunkRecords int
	MaxChunkBytes   int
	// FlushInterval is the maximum age of a building chunk. Zero seals
	// after every record.
	FlushInterval time.Duration

	MaxRetries        int
	RetryBackoffBase  time.Duration
	RetryBackoffMax   time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64

	DeliveryWorkers   int
	DeliveryQueueSize int
	ShutdownTimeout   time.Duration

	Tag string

	SpoolEnabled bool
	SpoolPath    string

	DeadLetterEnabled bool
	// DeadLetterPath is the DuckDB file of the ledger; empty keeps it in memory.
	DeadLetterPath string
}

// DefaultConfig returns the in-cluster defaults.
func DefaultConfig() Config {
	return Config{
		EndpointHost:      "infrabox-api.infrabox-system",
		EndpointPort:      8080,
		MaxChunkRecords:   256,
		MaxChunkBytes:     8 * 1024 * 1024,
		FlushInterval:     5 * time.Second,
		MaxRetries:        3,
		RetryBackoffBase:  200 * time.Millisecond,
		RetryBackoffMax:   10 * time.Second,
		RequestTimeout:    10 * time.Second,
		DeliveryWorkers:   2,
		DeliveryQueueSize: 16,
		ShutdownTimeout:   30 * time.Second,
		Tag:               DefaultTag,
	}
}

// Synchronous returns c configured to deliver every record on its own as
// soon as it is emitted.
func (c Config) Synchronous() Config {
	c.MaxChunkRecords = 1
	c.FlushInterval = 0
	return c
}

// IsSynchronous reports whether every record is delivered on its own.
func (c Config) IsSynchronous() bool {
	return c.MaxChunkRecords == 1 && c.FlushInterval == 0
}

// Endpoint returns the base URL of the ingestion service.
func (c Config) Endpoint() string {
	return "http://" + net.JoinHostPort(c.EndpointHost, strconv.Itoa(c.EndpointPort))
}

// Validate reports the first invalid option. Errors wrap model.ErrConfig.
func (c Config) Validate() error {
	host := strings.TrimSpace(c.EndpointHost)
	switch {
	case host == "":
		return configErr("endpoint-host is empty")
	case strings.ContainsAny(host, "/?#@ ") || strings.Contains(host, "://"):
		return configErr("endpoint-host %q must be a bare host name", c.EndpointHost)
	case c.EndpointPort < 1 || c.EndpointPort > 65535:
		return configErr("endpoint-port %d out of range", c.EndpointPort)
	case c.MaxChunkRecords < 1:
		return configErr("max-chunk-records must be positive, got %d", c.MaxChunkRecords)
	case c.MaxChunkBytes < 1:
		return configErr("max-chunk-bytes must be positive, got %d", c.MaxChunkBytes)
	case c.FlushInterval < 0:
		return configErr("flush-interval must not be negative, got %s", c.FlushInterval)
	case c.MaxRetries < 0:
		return configErr("max-retries must not be negative, got %d", c.MaxRetries)
	case c.RetryBackoffBase <= 0:
		return configErr("retry-backoff-base must be positive, got %s", c.RetryBackoffBase)
	case c.RetryBackoffMax < c.RetryBackoffBase:
		return configErr("retry-backoff-max %s is below retry-backoff-base %s", c.RetryBackoffMax, c.RetryBackoffBase)
	case c.RequestTimeout <= 0:
		return configErr("request-timeout must be positive, got %s", c.RequestTimeout)
	case c.RequestsPerSecond < 0:
		return configErr("requests-per-second must not be negative, got %v", c.RequestsPerSecond)
	case c.DeliveryWorkers < 1:
		return configErr("delivery-workers must be positive, got %d", c.DeliveryWorkers)
	case c.DeliveryQueueSize < 1:
		return configErr("delivery-queue-size must be positive, got %d", c.DeliveryQueueSize)
	case c.ShutdownTimeout <= 0:
		return configErr("shutdown-timeout must be positive, got %s", c.ShutdownTimeout)
	case strings.TrimSpace(c.Tag) == "":
		return configErr("tag is empty")
	case c.SpoolEnabled && strings.TrimSpace(c.SpoolPath) == "":
		return configErr("spool-path is required when the spool is enabled")
	}
	return nil
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrConfig, fmt.Sprintf(format, args...))
}
