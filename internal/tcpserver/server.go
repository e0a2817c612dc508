// Package tcpserver accepts newline-delimited JSON container records over TCP.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/model"
)

const (
	// DefaultAddr matches the Fluent Bit tcp output default port.
	DefaultAddr = "127.0.0.1:5170"

	// DefaultLineChannelSize is the default buffer size for the incoming line channel.
	DefaultLineChannelSize = 100_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single record line.
	DefaultMaxLineSize = 1024 * 1024 // 1MB
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
	Logger          *slog.Logger
}

// Server listens for newline-delimited records over TCP.
type Server struct {
	listener    net.Listener
	addr        string
	lineChan    chan model.IngestEnvelope
	maxLineSize int
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	stopOnce sync.Once
}

// NewServer creates a new TCP server listening on addr, or DefaultAddr.
func NewServer(addr string, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	var logger *slog.Logger
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		logger = conf[0].Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		lineChan:    make(chan model.IngestEnvelope, lineChannelSize),
		maxLineSize: maxLineSize,
		log:         logging.Component(logger, "tcpserver"),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			if !s.track(conn) {
				conn.Close()
				return
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	// Each connection is its own source so multi-line objects never interleave.
	source := "tcp:" + conn.RemoteAddr().String()
	if s.scan(conn, source) {
		// Lets the decoder drop partial state kept for this connection.
		select {
		case s.lineChan <- model.IngestEnvelope{Source: source, Closed: true}:
		case <-s.ctx.Done():
		}
	}
}

// scan forwards the lines of conn. It returns false when the server stopped.
func (s *Server) scan(conn net.Conn, source string) bool {
	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, s.maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.lineChan <- model.IngestEnvelope{Source: source, Line: line}:
		case <-s.ctx.Done():
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.log.Warn("tcpserver: dropped connection, line exceeds max size",
				"remote", conn.RemoteAddr().String(), "max_line_size", s.maxLineSize)
		} else if s.ctx.Err() == nil {
			s.log.Warn("tcpserver: read error", "remote", conn.RemoteAddr().String(), "error", err)
		}
	}
	return s.ctx.Err() == nil
}

func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.connMu.Lock()
		s.cancel()
		for c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		close(s.lineChan)
	})
	return nil
}

// Lines returns the channel of received lines.
func (s *Server) Lines() <-chan model.IngestEnvelope {
	return s.lineChan
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
