package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinytelemetry/ibforward/internal/model"
)

type fakeSource struct {
	name    string
	lines   chan model.IngestEnvelope
	stopped chan struct{}
}

func newFakeSource(name string, buffer int) *fakeSource {
	return &fakeSource{
		name:    name,
		lines:   make(chan model.IngestEnvelope, buffer),
		stopped: make(chan struct{}),
	}
}

func (s *fakeSource) Lines() <-chan model.IngestEnvelope { return s.lines }
func (s *fakeSource) Name() string                       { return s.name }

func (s *fakeSource) Stop() {
	select {
	case <-s.stopped:
		return
	default:
		close(s.stopped)
		close(s.lines)
	}
}

func TestSourceMultiplexer_ForwardsFromAllSources(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeSource("a", 2)
	b := newFakeSource("b", 2)

	mux := NewSourceMultiplexer(ctx, []NamedLogSource{a, b}, 16)
	mux.Start()
	defer mux.Stop()

	a.lines <- model.IngestEnvelope{Source: "a", Line: "alpha"}
	b.lines <- model.IngestEnvelope{Line: "beta"}
	a.Stop()
	b.Stop()

	got := map[string]string{}
	for env := range mux.Lines() {
		got[env.Line] = env.Source
	}

	if got["alpha"] != "a" || got["beta"] != "b" {
		t.Fatalf("unexpected lines or sources: %+v", got)
	}
}

func TestSourceMultiplexer_KeepsBlankLines(t *testing.T) {
	t.Parallel()

	src := newFakeSource("x", 4)
	mux := NewSourceMultiplexer(context.Background(), []NamedLogSource{src}, 8)
	mux.Start()

	src.lines <- model.IngestEnvelope{Source: "x", Line: "{"}
	src.lines <- model.IngestEnvelope{Source: "x", Line: ""}
	src.lines <- model.IngestEnvelope{Source: "x", Line: "}"}
	src.Stop()

	var n int
	for range mux.Lines() {
		n++
	}
	if n != 3 {
		t.Fatalf("forwarded %d lines, want 3", n)
	}
}

func TestSourceMultiplexer_StopInvokesSourceStop(t *testing.T) {
	t.Parallel()

	src := newFakeSource("x", 1)
	mux := NewSourceMultiplexer(context.Background(), []NamedLogSource{src}, 8)
	mux.Start()

	mux.Stop()

	select {
	case <-src.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected source Stop() to be called")
	}
	if _, ok := <-mux.Lines(); ok {
		t.Fatal("expected Lines to be closed after Stop")
	}
}

func TestSourceMultiplexer_NoSources(t *testing.T) {
	t.Parallel()

	mux := NewSourceMultiplexer(context.Background(), nil, 0)
	mux.Start()
	if mux.HasSources() || mux.SourceNames() != "" {
		t.Fatal("expected no sources")
	}
	if _, ok := <-mux.Lines(); ok {
		t.Fatal("expected Lines to be closed")
	}
}

type scriptedProcessor struct {
	errs map[string]error
}

func (p scriptedProcessor) ProcessEnvelope(env model.IngestEnvelope) (*model.RawRecord, error) {
	if err, ok := p.errs[env.Line]; ok {
		return nil, err
	}
	if env.Line == "partial" {
		return nil, nil
	}
	return &model.RawRecord{Log: env.Line}, nil
}

func TestIngestLoop_CountsRecordsAndRejections(t *testing.T) {
	t.Parallel()

	lines := make(chan model.IngestEnvelope, 8)
	for _, l := range []string{"ok", "partial", "drop", "bad", "closed", "ok"} {
		lines <- model.IngestEnvelope{Source: "test", Line: l}
	}
	close(lines)

	p := scriptedProcessor{errs: map[string]error{
		"drop":   model.ErrParseMismatch,
		"bad":    model.ErrDecode,
		"closed": model.ErrClosed,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	processed, rejected := ingestLoop(lines, p, logger)
	if processed != 2 || rejected != 1 {
		t.Fatalf("processed=%d rejected=%d, want 2/1", processed, rejected)
	}
}
