package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/ibforward/internal/httpserver"
	"github.com/tinytelemetry/ibforward/internal/ingest"
	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/metrics"
	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/router"
	"github.com/tinytelemetry/ibforward/internal/sink"
)

// forceExitGrace is added to the sink shutdown timeout before a stuck
// shutdown is abandoned.
const forceExitGrace = 5 * time.Second

// runServer forwards records from the configured inputs until a signal
// arrives or every input is exhausted.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := configureRuntimeLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()
	slog.SetDefault(logger)

	m := metrics.New()

	fs := sink.New(sink.WithLogger(logger), sink.WithMetrics(m))
	if err := fs.Configure(cfg.sinkConfig()); err != nil {
		return err
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, fs, m.Registry())
		if err := apiServer.Start(); err != nil {
			_ = fs.Shutdown(context.Background())
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		logger.Info("server: shutting down gracefully, signal again to force")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(cfg.ShutdownTimeout + forceExitGrace)
		defer deadline.Stop()

		select {
		case <-sigCh:
			logger.Error("server: forced shutdown, undelivered chunks stay in the spool")
		case <-deadline.C:
			logger.Error("server: shutdown timed out, forcing exit")
		}
		os.Exit(1)
	}()

	// Build input plugins and source multiplexer
	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: cfg.TCPEnabled,
		TCPAddr:    cfg.TCPAddr,
		Logger:     logger,
	})

	sources := make([]NamedLogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Error("server: input plugin failed", "plugin", plugin.Name(), "error", err)
			continue
		}
		sources = append(sources, src)
	}

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
	mux.Start()

	processor := ingest.NewProcessor(fs, logger)

	printStartupBanner(cfg, mux.SourceNames())

	g, gctx := errgroup.WithContext(ctx)

	// Ingestion loop. It runs until the multiplexer closes, which happens
	// on shutdown or once every source is exhausted.
	if mux.HasSources() {
		g.Go(func() error {
			ingestLoop(mux.Lines(), processor, logger)
			cancel()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		mux.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server: errgroup exited with error", "error", err)
	}

	if err := fs.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type envelopeProcessor interface {
	ProcessEnvelope(env model.IngestEnvelope) (*model.RawRecord, error)
}

// ingestLoop feeds every envelope to the processor. Drops and undecodable
// lines are logged by the pipeline itself.
func ingestLoop(lines <-chan model.IngestEnvelope, p envelopeProcessor, logger *slog.Logger) (processed, rejected int) {
	for env := range lines {
		rec, err := p.ProcessEnvelope(env)
		switch {
		case err == nil:
			if rec != nil {
				processed++
			}
		case router.IsDrop(err), errors.Is(err, model.ErrDecode):
		default:
			rejected++
			logger.Warn("server: record rejected", "source", env.Source, "error", err)
		}
	}
	return processed, rejected
}

// configureRuntimeLogger builds the process logger. Logs go to stderr unless
// log-file is set.
func configureRuntimeLogger(cfg appConfig) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		cleanup = func() { _ = f.Close() }
	}

	logger, err := logging.New(w, logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return logger, cleanup, nil
}

func printStartupBanner(cfg appConfig, sourceNames string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	status := func(label string, enabled bool, value string) string {
		if !enabled {
			return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
		}
		return fmt.Sprintf("    %s  %-14s %s", check, label, value)
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, cyan.Bold(true).Render("    ibforward"))
	lines = append(lines, "    "+dim.Render("v"+version))
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Delivery"))
	lines = append(lines, "")
	sc := cfg.sinkConfig()
	lines = append(lines, status("Endpoint", true, cyan.Render(sc.Endpoint())))
	mode := fmt.Sprintf("%d records / %s", cfg.MaxChunkRecords, cfg.FlushInterval)
	if sc.IsSynchronous() {
		mode = "synchronous"
	}
	lines = append(lines, status("Chunks", true, dim.Render(mode)))
	lines = append(lines, status("Spool", cfg.SpoolEnabled, dim.Render(shortenPath(cfg.SpoolPath))))
	lines = append(lines, status("Dead Letters", cfg.DeadLetterEnabled, dim.Render(shortenPath(cfg.DeadLetterPath))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Inputs"))
	lines = append(lines, "")
	lines = append(lines, status("TCP Ingest", cfg.TCPEnabled, cyan.Render(cfg.TCPAddr)))
	lines = append(lines, status("Sources", sourceNames != "", dim.Render(sourceNames)))
	lines = append(lines, status("HTTP API", cfg.APIEnabled, cyan.Render(cfg.APIAddr)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, status("Config File", true, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Fprintln(os.Stderr, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
