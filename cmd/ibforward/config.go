package main

import (
	"time"

	"github.com/tinytelemetry/ibforward/internal/sink"
)

const (
	defaultBindHost          = "127.0.0.1"
	defaultTCPPort           = 5170
	defaultAPIPort           = 2020
	defaultMuxBufferSize     = DefaultMuxBuffer
	defaultEndpointHost      = "infrabox-api.infrabox-system"
	defaultEndpointPort      = 8080
	defaultMaxChunkRecords   = 256
	defaultMaxChunkBytes     = 8 * 1024 * 1024
	defaultFlushInterval     = 5 * time.Second
	defaultMaxRetries        = 3
	defaultRetryBackoffBase  = 200 * time.Millisecond
	defaultRetryBackoffMax   = 10 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultDeliveryWorkers   = 2
	defaultDeliveryQueueSize = 16
	defaultShutdownTimeout   = 30 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	EndpointHost      string        `mapstructure:"endpoint-host" yaml:"endpoint-host"`
	EndpointPort      int           `mapstructure:"endpoint-port" yaml:"endpoint-port"`
	MaxChunkRecords   int           `mapstructure:"max-chunk-records" yaml:"max-chunk-records"`
	MaxChunkBytes     int           `mapstructure:"max-chunk-bytes" yaml:"max-chunk-bytes"`
	FlushInterval     time.Duration `mapstructure:"flush-interval" yaml:"flush-interval"`
	MaxRetries        int           `mapstructure:"max-retries" yaml:"max-retries"`
	RetryBackoffBase  time.Duration `mapstructure:"retry-backoff-base" yaml:"retry-backoff-base"`
	RetryBackoffMax   time.Duration `mapstructure:"retry-backoff-max" yaml:"retry-backoff-max"`
	RequestTimeout    time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	RequestsPerSecond float64       `mapstructure:"requests-per-second" yaml:"requests-per-second"`
	DeliveryWorkers   int           `mapstructure:"delivery-workers" yaml:"delivery-workers"`
	DeliveryQueueSize int           `mapstructure:"delivery-queue-size" yaml:"delivery-queue-size"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
	Tag               string        `mapstructure:"tag" yaml:"tag"`
	SpoolEnabled      bool          `mapstructure:"spool-enabled" yaml:"spool-enabled"`
	SpoolPath         string        `mapstructure:"spool-path" yaml:"spool-path"`
	DeadLetterEnabled bool          `mapstructure:"dead-letter-enabled" yaml:"dead-letter-enabled"`
	DeadLetterPath    string        `mapstructure:"dead-letter-path" yaml:"dead-letter-path"`

	Host          string `mapstructure:"host" yaml:"host"`
	TCPEnabled    bool   `mapstructure:"tcp-enabled" yaml:"tcp-enabled"`
	TCPPort       int    `mapstructure:"tcp-port" yaml:"tcp-port"`
	TCPAddr       string `mapstructure:"tcp-addr" yaml:"tcp-addr"`
	MuxBufferSize int    `mapstructure:"mux-buffer-size" yaml:"mux-buffer-size"`
	APIEnabled    bool   `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIPort       int    `mapstructure:"api-port" yaml:"api-port"`
	APIAddr       string `mapstructure:"api-addr" yaml:"api-addr"`

	LogLevel  string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat string `mapstructure:"log-format" yaml:"log-format"`
	LogFile   string `mapstructure:"log-file" yaml:"log-file"`

	ConfigPath string `mapstructure:"-" yaml:"-"` // not from config file
}

func (c appConfig) sinkConfig() sink.Config {
	return sink.Config{
		EndpointHost:      c.EndpointHost,
		EndpointPort:      c.EndpointPort,
		MaxChunkRecords:   c.MaxChunkRecords,
		MaxChunkBytes:     c.MaxChunkBytes,
		FlushInterval:     c.FlushInterval,
		MaxRetries:        c.MaxRetries,
		RetryBackoffBase:  c.RetryBackoffBase,
		RetryBackoffMax:   c.RetryBackoffMax,
		RequestTimeout:    c.RequestTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		DeliveryWorkers:   c.DeliveryWorkers,
		DeliveryQueueSize: c.DeliveryQueueSize,
		ShutdownTimeout:   c.ShutdownTimeout,
		Tag:               c.Tag,
		SpoolEnabled:      c.SpoolEnabled,
		SpoolPath:         c.SpoolPath,
		DeadLetterEnabled: c.DeadLetterEnabled,
		DeadLetterPath:    c.DeadLetterPath,
	}
}
