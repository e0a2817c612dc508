package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/timestamp"
)

var (
	timeKeys = []string{"time", "@timestamp", "timestamp", "date"}
	logKeys  = []string{"log", "message", "msg"}
)

// KubernetesKey is the top-level field holding pod metadata, as written by
// the Fluent Bit kubernetes filter.
const KubernetesKey = "kubernetes"

// DecodeRecord decodes one JSON container record. Lines that are not JSON
// objects become a RawRecord carrying the line as its log and no metadata.
// now is used when the record has no parseable time.
func DecodeRecord(line string, now time.Time, tp *timestamp.Parser) (model.RawRecord, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return CreateFallbackRecord(line, now), nil
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return model.RawRecord{}, fmt.Errorf("decode record: %v: %w", err, model.ErrDecode)
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.RawRecord{}, fmt.Errorf("decode record: trailing data: %w", model.ErrDecode)
	}

	rec := model.RawRecord{Time: now}
	used := make(map[string]bool, 4)

	for _, k := range timeKeys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if ts, ok := tp.ParseTimestamp(v); ok {
			rec.Time = ts
			used[k] = true
			break
		}
	}

	for _, k := range logKeys {
		if v, ok := raw[k]; ok {
			rec.Log = stringifyJSONValue(v)
			used[k] = true
			break
		}
	}

	if k, ok := raw[KubernetesKey].(map[string]any); ok {
		rec.Kubernetes = k
		used[KubernetesKey] = true
	}

	for k, v := range raw {
		if used[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

// CreateFallbackRecord wraps a plain text line.
func CreateFallbackRecord(line string, now time.Time) model.RawRecord {
	return model.RawRecord{Time: now, Log: line}
}

func stringifyJSONValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
