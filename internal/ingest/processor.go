// Package ingest turns input lines into raw container records.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/timestamp"
)

// DefaultMaxPendingBytes caps a multi-line JSON object; it matches the
// inputs' maximum line size.
const DefaultMaxPendingBytes = 1024 * 1024

// ProcessorConfig holds tunable parameters for the processor.
type ProcessorConfig struct {
	// MaxPendingBytes caps one reassembled multi-line object.
	MaxPendingBytes int
}

// RecordSink receives decoded records.
type RecordSink interface {
	Emit(model.RawRecord) error
}

// jsonAccumulator collects a JSON object spread over several lines.
type jsonAccumulator struct {
	buf   strings.Builder
	depth int
}

// Processor decodes source-tagged lines and hands the records to a sink.
// Multi-line JSON objects are reassembled per source.
type Processor struct {
	sink  RecordSink
	times *timestamp.Parser
	log   *slog.Logger
	now   func() time.Time

	maxPending int

	mu      sync.Mutex
	pending map[string]*jsonAccumulator
}

// NewProcessor creates a processor emitting to sink. logger may be nil.
func NewProcessor(sink RecordSink, logger *slog.Logger, conf ...ProcessorConfig) *Processor {
	maxPending := DefaultMaxPendingBytes
	if len(conf) > 0 && conf[0].MaxPendingBytes > 0 {
		maxPending = conf[0].MaxPendingBytes
	}
	return &Processor{
		sink:       sink,
		times:      timestamp.NewParser(),
		log:        logging.Component(logger, "ingest"),
		now:        time.Now,
		maxPending: maxPending,
		pending:    make(map[string]*jsonAccumulator),
	}
}

// ProcessEnvelope decodes one line. It returns nil while a multi-line JSON
// object is still being accumulated, or when the line is blank.
//
// A partial object is discarded with an ErrDecode error when it grows past
// the pending limit or when its source closes. It is discarded with a
// warning when the source starts a new single-line object at column 0
// before the partial one was closed.
func (p *Processor) ProcessEnvelope(env model.IngestEnvelope) (*model.RawRecord, error) {
	text, complete, err := p.accumulate(env)
	if err != nil {
		p.log.Warn("ingest: partial record dropped", "source", env.Source, "error", err)
		return nil, err
	}
	if !complete {
		return nil, nil
	}

	rec, err := DecodeRecord(text, p.now(), p.times)
	if err != nil {
		p.log.Warn("ingest: undecodable line dropped", "source", env.Source, "error", err)
		return nil, err
	}
	if p.sink != nil {
		if err := p.sink.Emit(rec); err != nil {
			return &rec, err
		}
	}
	return &rec, nil
}

// Pending reports whether a partial JSON object is buffered for source.
func (p *Processor) Pending(source string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[source]
	return ok
}

func (p *Processor) accumulate(env model.IngestEnvelope) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, inObject := p.pending[env.Source]
	if env.Closed {
		if !inObject {
			return "", false, nil
		}
		delete(p.pending, env.Source)
		return "", false, fmt.Errorf("%w: source closed inside a %d byte multi-line object",
			model.ErrDecode, acc.buf.Len())
	}

	if inObject && startsRecord(env.Line) {
		p.log.Warn("ingest: unterminated record discarded, new record started",
			"source", env.Source, "discarded_bytes", acc.buf.Len())
		delete(p.pending, env.Source)
		inObject = false
	}

	if !inObject {
		trimmed := strings.TrimSpace(env.Line)
		if trimmed == "" {
			return "", false, nil
		}
		if !strings.HasPrefix(trimmed, "{") {
			return env.Line, true, nil
		}
		if depth := CountJSONDepth(env.Line); depth <= 0 {
			return trimmed, true, nil
		}
		acc = &jsonAccumulator{}
		p.pending[env.Source] = acc
	}

	if acc.buf.Len()+len(env.Line)+1 > p.maxPending {
		delete(p.pending, env.Source)
		return "", false, fmt.Errorf("%w: multi-line object exceeds %d bytes", model.ErrDecode, p.maxPending)
	}
	acc.buf.WriteString(env.Line)
	acc.buf.WriteString("\n")
	acc.depth += CountJSONDepth(env.Line)
	if acc.depth > 0 {
		return "", false, nil
	}
	delete(p.pending, env.Source)
	return strings.TrimSpace(acc.buf.String()), true, nil
}

// startsRecord reports whether line is a whole JSON object written at
// column 0, the shape of one forwarded record. Nested objects of a
// pretty-printed record are indented and never match.
func startsRecord(line string) bool {
	if !strings.HasPrefix(line, "{") {
		return false
	}
	trimmed := strings.TrimRight(line, " \t\r")
	return strings.HasSuffix(trimmed, "}") && CountJSONDepth(trimmed) == 0 && json.Valid([]byte(trimmed))
}

// CountJSONDepth counts the net change in JSON nesting depth for a line.
func CountJSONDepth(line string) int {
	depth := 0
	inString := false
	escaped := false

	for _, char := range line {
		if escaped {
			escaped = false
			continue
		}

		switch char {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	return depth
}
