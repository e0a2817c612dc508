package ingest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinytelemetry/ibforward/internal/model"
)

type recordingSink struct {
	records []model.RawRecord
	err     error
}

func (s *recordingSink) Emit(rec model.RawRecord) error {
	s.records = append(s.records, rec)
	return s.err
}

func newTestProcessor(sink RecordSink) *Processor {
	p := NewProcessor(sink, nil)
	p.now = func() time.Time { return testNow }
	return p
}

func TestProcessEnvelope_SingleLine(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	rec, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp", Line: `{"log":"hello","kubernetes":{"namespace_name":"default"}}`})
	if err != nil {
		t.Fatalf("ProcessEnvelope: %v", err)
	}
	if rec == nil || rec.Log != "hello" {
		t.Fatalf("record = %+v", rec)
	}
	if len(sink.records) != 1 {
		t.Fatalf("sink records = %d, want 1", len(sink.records))
	}
}

func TestProcessEnvelope_BlankLine(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	rec, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "stdin", Line: "   "})
	if rec != nil || err != nil {
		t.Fatalf("blank line = %+v, %v", rec, err)
	}
	if len(sink.records) != 0 {
		t.Fatal("blank line must not be emitted")
	}
}

func TestProcessEnvelope_MultiLineJSONPerSource(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	steps := []model.IngestEnvelope{
		{Source: "tcp", Line: `{`},
		{Source: "stdin", Line: `{"log":"interleaved"}`},
		{Source: "tcp", Line: `  "log": "brace } in string",`},
		{Source: "tcp", Line: `  "kubernetes": {"namespace_name": "default"}`},
	}
	for _, env := range steps {
		if _, err := p.ProcessEnvelope(env); err != nil {
			t.Fatalf("ProcessEnvelope(%q): %v", env.Line, err)
		}
	}
	if !p.Pending("tcp") {
		t.Fatal("tcp object should still be pending")
	}
	if p.Pending("stdin") {
		t.Fatal("stdin should have no pending object")
	}

	rec, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp", Line: `}`})
	if err != nil {
		t.Fatalf("closing line: %v", err)
	}
	if rec == nil || rec.Log != "brace } in string" {
		t.Fatalf("multi-line record = %+v", rec)
	}
	if len(sink.records) != 2 || sink.records[0].Log != "interleaved" {
		t.Fatalf("sink records = %+v", sink.records)
	}
}

func TestProcessEnvelope_SinkErrorReturned(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: model.ErrParseMismatch}
	p := newTestProcessor(sink)

	rec, err := p.ProcessEnvelope(model.IngestEnvelope{Line: `{"log":"x"}`})
	if !errors.Is(err, model.ErrParseMismatch) {
		t.Fatalf("err = %v, want ErrParseMismatch", err)
	}
	if rec == nil {
		t.Fatal("record should be returned alongside the sink error")
	}
}

func TestProcessEnvelope_DecodeError(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	_, err := p.ProcessEnvelope(model.IngestEnvelope{Line: `{"log":"a"}}`})
	if !errors.Is(err, model.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if len(sink.records) != 0 {
		t.Fatal("undecodable line must not be emitted")
	}
}

func TestCountJSONDepth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want int
	}{
		{`{`, 1},
		{`}`, -1},
		{`{"a":[1,2]}`, 0},
		{`{"a":"{[\"}"`, 1},
		{`plain`, 0},
	}
	for _, tt := range tests {
		if got := CountJSONDepth(tt.line); got != tt.want {
			t.Errorf("CountJSONDepth(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func jobLine(i int) string {
	return fmt.Sprintf(`{"log":"line-%d","kubernetes":{"namespace_name":"ib-0b6f1a3e-2c4d-4e5f-8a9b-0c1d2e3f4a5b-gerrit"}}`, i)
}

func TestProcessEnvelope_CutOffLineDoesNotSwallowLaterRecords(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	if _, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: `{"log":"cut off`}); err != nil {
		t.Fatalf("partial line: %v", err)
	}
	if !p.Pending("tcp:a") {
		t.Fatal("partial line should be pending")
	}

	for i := 0; i < 1000; i++ {
		if _, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: jobLine(i)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if len(sink.records) != 1000 {
		t.Fatalf("emitted %d records, want 1000", len(sink.records))
	}
	if sink.records[0].Log != "line-0" || p.Pending("tcp:a") {
		t.Fatalf("first record = %q, pending = %v", sink.records[0].Log, p.Pending("tcp:a"))
	}
}

func TestProcessEnvelope_IndentedNestedObjectStaysInRecord(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	lines := []string{
		`{`,
		`  "log": "pretty",`,
		`  "tags": [`,
		`    {"k": "v"}`,
		`  ],`,
		`  "kubernetes": {"namespace_name": "default"}`,
		`}`,
	}
	var rec *model.RawRecord
	for _, l := range lines {
		var err error
		rec, err = p.ProcessEnvelope(model.IngestEnvelope{Source: "stdin", Line: l})
		if err != nil {
			t.Fatalf("ProcessEnvelope(%q): %v", l, err)
		}
	}
	if rec == nil || rec.Log != "pretty" || len(sink.records) != 1 {
		t.Fatalf("record = %+v, sink = %d", rec, len(sink.records))
	}
}

func TestProcessEnvelope_PendingObjectIsCapped(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := NewProcessor(sink, nil, ProcessorConfig{MaxPendingBytes: 64})

	if _, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: `{`}); err != nil {
		t.Fatalf("open brace: %v", err)
	}
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: `  "padding": "xxxxxxxxxxxxxxxx",`})
	}
	if !errors.Is(err, model.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode once the object outgrows the cap", err)
	}
	if p.Pending("tcp:a") {
		t.Fatal("oversized object should be discarded")
	}

	if _, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: jobLine(1)}); err != nil {
		t.Fatalf("record after overflow: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("emitted %d records, want 1", len(sink.records))
	}
}

func TestProcessEnvelope_ClosedSourceClearsPending(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := newTestProcessor(sink)

	rec, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Closed: true})
	if rec != nil || err != nil {
		t.Fatalf("closing an idle source = %+v, %v", rec, err)
	}

	if _, err := p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: `{"log":"cut off`}); err != nil {
		t.Fatalf("partial line: %v", err)
	}
	_, err = p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Closed: true})
	if !errors.Is(err, model.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode for a partial object at close", err)
	}
	if p.Pending("tcp:a") {
		t.Fatal("pending state should be cleared when the source closes")
	}

	// A new connection reusing the same remote address starts clean.
	rec, err = p.ProcessEnvelope(model.IngestEnvelope{Source: "tcp:a", Line: `"not json"`})
	if err != nil || rec == nil || len(sink.records) != 1 {
		t.Fatalf("record after reuse = %+v, %v", rec, err)
	}
}
