package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/timestamp"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeRecord_FluentBit(t *testing.T) {
	t.Parallel()
	line := `{"time":1705312245.5,"log":"build started\n","stream":"stdout","kubernetes":{"namespace_name":"ib-123e4567-e89b-12d3-a456-426614174000-main","pod_name":"job-1","container_name":"run"}}`

	rec, err := DecodeRecord(line, testNow, timestamp.NewParser())
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if rec.Log != "build started\n" {
		t.Errorf("log = %q", rec.Log)
	}
	if rec.Time.Unix() != 1705312245 || rec.Time.Nanosecond() != 500000000 {
		t.Errorf("time = %v", rec.Time)
	}
	if ns, _ := rec.KubernetesString(model.FieldNamespace); ns != "ib-123e4567-e89b-12d3-a456-426614174000-main" {
		t.Errorf("namespace = %q", ns)
	}
	if pod, _ := rec.KubernetesString(model.FieldPod); pod != "job-1" {
		t.Errorf("pod = %q", pod)
	}
	if rec.Extra["stream"] != "stdout" {
		t.Errorf("extra stream = %v", rec.Extra["stream"])
	}
	if _, ok := rec.Extra["log"]; ok {
		t.Error("log must not be copied into extra")
	}
}

func TestDecodeRecord_DockerTimeString(t *testing.T) {
	t.Parallel()
	line := `{"log":"hi","time":"2024-01-15T10:30:45.123456789Z"}`

	rec, err := DecodeRecord(line, testNow, timestamp.NewParser())
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	want := time.Date(2024, 1, 15, 10, 30, 45, 123456789, time.UTC)
	if !rec.Time.Equal(want) {
		t.Errorf("time = %v, want %v", rec.Time, want)
	}
	if rec.Kubernetes != nil {
		t.Errorf("kubernetes = %v, want nil", rec.Kubernetes)
	}
}

func TestDecodeRecord_DefaultsToNow(t *testing.T) {
	t.Parallel()

	for _, line := range []string{`{"log":"x"}`, `{"log":"x","time":"not a time"}`} {
		rec, err := DecodeRecord(line, testNow, timestamp.NewParser())
		if err != nil {
			t.Fatalf("DecodeRecord(%s): %v", line, err)
		}
		if !rec.Time.Equal(testNow) {
			t.Errorf("DecodeRecord(%s) time = %v, want now", line, rec.Time)
		}
	}
}

func TestDecodeRecord_MessageFallbackAndNonStringLog(t *testing.T) {
	t.Parallel()
	tp := timestamp.NewParser()

	rec, err := DecodeRecord(`{"message":"from message"}`, testNow, tp)
	if err != nil || rec.Log != "from message" {
		t.Fatalf("message fallback = %q, %v", rec.Log, err)
	}

	rec, err = DecodeRecord(`{"log":{"a":1}}`, testNow, tp)
	if err != nil || rec.Log != `{"a":1}` {
		t.Fatalf("object log = %q, %v", rec.Log, err)
	}

	rec, err = DecodeRecord(`{"log":12345678901234567890}`, testNow, tp)
	if err != nil || rec.Log != "12345678901234567890" {
		t.Fatalf("number log = %q, %v", rec.Log, err)
	}
}

func TestDecodeRecord_PlainText(t *testing.T) {
	t.Parallel()

	rec, err := DecodeRecord("plain text line", testNow, timestamp.NewParser())
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if rec.Log != "plain text line" || rec.Kubernetes != nil || !rec.Time.Equal(testNow) {
		t.Errorf("fallback record = %+v", rec)
	}
}

func TestDecodeRecord_Invalid(t *testing.T) {
	t.Parallel()
	tp := timestamp.NewParser()

	for _, line := range []string{`{"log":`, `{"log":"a"} {"log":"b"}`} {
		_, err := DecodeRecord(line, testNow, tp)
		if !errors.Is(err, model.ErrDecode) {
			t.Errorf("DecodeRecord(%q) err = %v, want ErrDecode", line, err)
		}
	}
}

func TestDecodeRecord_KubernetesNumbersStayJSONNumbers(t *testing.T) {
	t.Parallel()

	rec, err := DecodeRecord(`{"log":"x","kubernetes":{"namespace_name":"default","restart":3}}`, testNow, timestamp.NewParser())
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if _, ok := rec.Kubernetes["restart"].(json.Number); !ok {
		t.Errorf("restart = %T, want json.Number", rec.Kubernetes["restart"])
	}
}
