// Package router turns raw container records into parsed job records and
// hands them to the chunk buffer.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/metrics"
	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/namespace"
)

// Appender receives routed records.
type Appender interface {
	Append(rec model.ParsedRecord) error
}

// Stats is a snapshot of router counters.
type Stats struct {
	Routed        uint64 `json:"routed"`
	MissingField  uint64 `json:"missing_field"`
	ParseMismatch uint64 `json:"parse_mismatch"`
	Rejected      uint64 `json:"rejected"`
}

// Router is stateless across records and safe for concurrent use.
type Router struct {
	out     Appender
	metrics *metrics.Metrics
	log     *slog.Logger

	routed        atomic.Uint64
	missingField  atomic.Uint64
	parseMismatch atomic.Uint64
	rejected      atomic.Uint64
}

// New creates a router appending to out. m and logger may be nil.
func New(out Appender, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		out:     out,
		metrics: m,
		log:     logging.Component(logger, "router"),
	}
}

// Parse extracts the job fields of raw. The returned error wraps
// model.ErrMissingField when the record has no namespace and
// model.ErrParseMismatch when the namespace is not a job namespace.
func Parse(raw model.RawRecord) (model.ParsedRecord, error) {
	ns, ok := raw.KubernetesString(model.FieldNamespace)
	if !ok {
		return model.ParsedRecord{}, fmt.Errorf("kubernetes.%s: %w", model.FieldNamespace, model.ErrMissingField)
	}
	ref, ok := namespace.Parse(ns)
	if !ok {
		return model.ParsedRecord{}, fmt.Errorf("namespace %q: %w", ns, model.ErrParseMismatch)
	}

	container, _ := raw.KubernetesString(model.FieldContainer)
	pod, _ := raw.KubernetesString(model.FieldPod)
	return model.ParsedRecord{
		Time:          raw.Time,
		JobID:         ref.JobID,
		ExtensionName: ref.ExtensionName,
		ContainerName: container,
		PodName:       pod,
		Log:           raw.Log,
	}, nil
}

// Route parses one record and appends it to the buffer. Dropped records
// return the Parse error so the caller can tell a drop from a buffer
// failure.
func (r *Router) Route(raw model.RawRecord) error {
	r.metrics.Received()

	rec, err := Parse(raw)
	switch {
	case errors.Is(err, model.ErrMissingField):
		r.missingField.Add(1)
		r.metrics.Dropped(metrics.DropMissingField)
		r.log.Warn("router: record without kubernetes namespace dropped")
		return err
	case errors.Is(err, model.ErrParseMismatch):
		r.parseMismatch.Add(1)
		r.metrics.Dropped(metrics.DropParseMismatch)
		ns, _ := raw.KubernetesString(model.FieldNamespace)
		r.log.Debug("router: namespace is not a job namespace", "namespace", ns)
		return err
	}

	if err := r.out.Append(rec); err != nil {
		r.rejected.Add(1)
		if errors.Is(err, model.ErrClosed) {
			r.metrics.Dropped(metrics.DropClosed)
		}
		return fmt.Errorf("append record for job %s: %w", rec.JobID, err)
	}
	r.routed.Add(1)
	return nil
}

// IsDrop reports whether err is a routing drop rather than a failure.
func IsDrop(err error) bool {
	return errors.Is(err, model.ErrMissingField) || errors.Is(err, model.ErrParseMismatch)
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:        r.routed.Load(),
		MissingField:  r.missingField.Load(),
		ParseMismatch: r.parseMismatch.Load(),
		Rejected:      r.rejected.Load(),
	}
}
