package main

import (
	"context"
	"strings"
	"sync"

	"github.com/tinytelemetry/ibforward/internal/model"
)

// DefaultMuxBuffer is the default channel buffer size for the source multiplexer.
const DefaultMuxBuffer = 50_000

// SourceMultiplexer merges record sources into a single read-only stream.
// Envelopes keep their source name so multi-line JSON is reassembled per source.
// Blank lines are forwarded because they can be part of a pretty-printed object.
type SourceMultiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc

	sources []NamedLogSource
	lines   chan model.IngestEnvelope

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSourceMultiplexer(parent context.Context, sources []NamedLogSource, buffer int) *SourceMultiplexer {
	if buffer <= 0 {
		buffer = DefaultMuxBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &SourceMultiplexer{
		ctx:     ctx,
		cancel:  cancel,
		sources: sources,
		lines:   make(chan model.IngestEnvelope, buffer),
	}
}

// Start forwards every source. Lines closes once all sources are exhausted.
func (m *SourceMultiplexer) Start() {
	m.startOnce.Do(func() {
		if len(m.sources) == 0 {
			m.closeOutput()
			return
		}
		for _, src := range m.sources {
			m.wg.Add(1)
			go m.forward(src)
		}
		go func() {
			m.wg.Wait()
			m.closeOutput()
		}()
	})
}

// Stop stops every source and closes Lines. Buffered envelopes stay readable.
func (m *SourceMultiplexer) Stop() {
	m.stopOnce.Do(func() {
		for _, src := range m.sources {
			src.Stop()
		}
		m.cancel()
		m.wg.Wait()
		m.closeOutput()
	})
}

func (m *SourceMultiplexer) HasSources() bool {
	return len(m.sources) > 0
}

// SourceNames lists the merged sources, comma separated.
func (m *SourceMultiplexer) SourceNames() string {
	names := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		names = append(names, src.Name())
	}
	return strings.Join(names, ", ")
}

func (m *SourceMultiplexer) Lines() <-chan model.IngestEnvelope {
	return m.lines
}

func (m *SourceMultiplexer) forward(src NamedLogSource) {
	defer m.wg.Done()

	sourceLines := src.Lines()
	for {
		select {
		case <-m.ctx.Done():
			return
		case env, ok := <-sourceLines:
			if !ok {
				return
			}
			if env.Source == "" {
				env.Source = src.Name()
			}
			select {
			case m.lines <- env:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *SourceMultiplexer) closeOutput() {
	m.closeOnce.Do(func() {
		close(m.lines)
	})
}
