package logsource

import (
	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/tcpserver"
)

// TCPSource reads records forwarded by a Fluent Bit tcp output.
type TCPSource struct {
	server *tcpserver.Server
}

// NewTCPSource wraps an already-started TCP server.
func NewTCPSource(server *tcpserver.Server) *TCPSource {
	return &TCPSource{server: server}
}

func (t *TCPSource) Lines() <-chan model.IngestEnvelope { return t.server.Lines() }
func (t *TCPSource) Stop()                              { _ = t.server.Stop() }
func (t *TCPSource) Name() string                       { return "tcp" }

// Addr is the bound listen address, useful when the server was started on port 0.
func (t *TCPSource) Addr() string { return t.server.Addr() }
