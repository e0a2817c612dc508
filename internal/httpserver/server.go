// Package httpserver exposes the forwarder's status API.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/ibforward/internal/deadletter"
	"github.com/tinytelemetry/ibforward/internal/sink"
)

// DefaultAddr is the default listen address of the status API.
const DefaultAddr = "127.0.0.1:2020"

// StatusProvider is the narrow sink contract required by the HTTP API.
type StatusProvider interface {
	Stats() sink.Stats
	DeadLetters(ctx context.Context, limit int) ([]deadletter.Entry, error)
	JobDeadLetters(ctx context.Context, jobID string) ([]deadletter.Entry, error)
}

// Server provides the HTTP status API.
type Server struct {
	addr      string
	status    StatusProvider
	registry  *prometheus.Registry
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. registry may be nil, in which
// case /metrics is not served.
func NewServer(addr string, status StatusProvider, registry *prometheus.Registry) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		status:    status,
		registry:  registry,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/dead-letters", s.handleDeadLetters)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the listen address; after Start it is the bound address.
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.status.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"endpoint": st.Endpoint,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Stats())
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	var (
		entries []deadletter.Entry
		err     error
	)
	if jobID := c.Query("job_id"); jobID != "" {
		entries, err = s.status.JobDeadLetters(c.Request.Context(), jobID)
	} else {
		limit := deadletter.DefaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n < 1 || n > 10_000 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 10000"})
				return
			}
			limit = n
		}
		entries, err = s.status.DeadLetters(c.Request.Context(), limit)
	}

	switch {
	case errors.Is(err, sink.ErrDeadLettersDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter ledger is disabled"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read dead letters"})
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(entries),
		"dead_letters": entries,
	})
}
