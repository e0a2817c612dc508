// Package logsource unifies the record inputs behind one interface.
package logsource

import "github.com/tinytelemetry/ibforward/internal/model"

// LogSource yields newline-delimited container records. Lines is closed
// once the source is exhausted or stopped; Stop may be called repeatedly.
type LogSource interface {
	Lines() <-chan model.IngestEnvelope
	Stop()
	Name() string
}

var (
	_ LogSource = (*TCPSource)(nil)
	_ LogSource = (*StdinSource)(nil)
)
