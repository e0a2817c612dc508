package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/sink"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	var printConfig bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/ibforward/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.BoolVar(&printConfig, "print-config", false, "print the resolved configuration as YAML and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("ibforward - job log forwarder\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if printConfig {
		if err := writeConfigYAML(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "ibforward")

	v := viper.New()
	v.SetEnvPrefix("IBFORWARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("endpoint-host", defaultEndpointHost)
	v.SetDefault("endpoint-port", defaultEndpointPort)
	v.SetDefault("max-chunk-records", defaultMaxChunkRecords)
	v.SetDefault("max-chunk-bytes", defaultMaxChunkBytes)
	v.SetDefault("flush-interval", defaultFlushInterval)
	v.SetDefault("max-retries", defaultMaxRetries)
	v.SetDefault("retry-backoff-base", defaultRetryBackoffBase)
	v.SetDefault("retry-backoff-max", defaultRetryBackoffMax)
	v.SetDefault("request-timeout", defaultRequestTimeout)
	v.SetDefault("requests-per-second", 0)
	v.SetDefault("delivery-workers", defaultDeliveryWorkers)
	v.SetDefault("delivery-queue-size", defaultDeliveryQueueSize)
	v.SetDefault("shutdown-timeout", defaultShutdownTimeout)
	v.SetDefault("tag", sink.DefaultTag)
	v.SetDefault("spool-enabled", true)
	v.SetDefault("spool-path", filepath.Join(dataDir, "chunks.spool"))
	v.SetDefault("dead-letter-enabled", true)
	v.SetDefault("dead-letter-path", filepath.Join(dataDir, "dead_letters.duckdb"))
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "ibforward", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, statErr := os.Stat(cfg.ConfigPath); statErr != nil {
		cfg.ConfigPath = ""
	}

	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, fmt.Errorf("invalid log-level: %w", err)
	}
	if _, err := logging.New(io.Discard, logging.Config{Format: cfg.LogFormat}); err != nil {
		return cfg, fmt.Errorf("invalid log-format: %w", err)
	}

	cfg.SpoolPath = expandHome(home, cfg.SpoolPath)
	cfg.DeadLetterPath = expandHome(home, cfg.DeadLetterPath)
	cfg.LogFile = expandHome(home, cfg.LogFile)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	if err := cfg.sinkConfig().Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// writeConfigYAML writes the resolved configuration in config-file form.
func writeConfigYAML(w io.Writer, cfg appConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
