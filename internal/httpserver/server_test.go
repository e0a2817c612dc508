package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/ibforward/internal/deadletter"
	"github.com/tinytelemetry/ibforward/internal/metrics"
	"github.com/tinytelemetry/ibforward/internal/router"
	"github.com/tinytelemetry/ibforward/internal/sink"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatus struct {
	stats     sink.Stats
	entries   []deadletter.Entry
	err       error
	lastLimit int
	lastJob   string
}

func (f *fakeStatus) Stats() sink.Stats { return f.stats }

func (f *fakeStatus) DeadLetters(_ context.Context, limit int) ([]deadletter.Entry, error) {
	f.lastLimit = limit
	return f.entries, f.err
}

func (f *fakeStatus) JobDeadLetters(_ context.Context, jobID string) ([]deadletter.Entry, error) {
	f.lastJob = jobID
	return f.entries, f.err
}

func newTestServer(t *testing.T, status *fakeStatus) *gin.Engine {
	t.Helper()
	m := metrics.New()
	m.Received()
	srv := NewServer("", status, m.Registry())
	return srv.routes()
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestServer(t, &fakeStatus{stats: sink.Stats{Endpoint: "http://api:8080/internal/logs/"}})

	w := get(t, r, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
	if body["endpoint"] != "http://api:8080/internal/logs/" {
		t.Errorf("endpoint = %v", body["endpoint"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	r := newTestServer(t, &fakeStatus{})

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	r := newTestServer(t, &fakeStatus{stats: sink.Stats{
		Router:           router.Stats{Routed: 7, ParseMismatch: 2},
		ChunksSealed:     3,
		RecordsDelivered: 6,
		RecordsFailed:    1,
	}})

	w := get(t, r, "/api/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var st sink.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if st.Router.Routed != 7 || st.Router.ParseMismatch != 2 || st.ChunksSealed != 3 ||
		st.RecordsDelivered != 6 || st.RecordsFailed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeadLettersEndpoint(t *testing.T) {
	status := &fakeStatus{entries: []deadletter.Entry{{
		ID:       "e1",
		FailedAt: time.Unix(1700000000, 0).UTC(),
		JobID:    "job",
		Log:      "bad",
		Reason:   "status 400",
		Attempts: 1,
	}}}
	r := newTestServer(t, status)

	w := get(t, r, "/api/dead-letters?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("dead letters status = %d", w.Code)
	}
	if status.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", status.lastLimit)
	}
	var body struct {
		Count       int                `json:"count"`
		DeadLetters []deadletter.Entry `json:"dead_letters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 1 || body.DeadLetters[0].Reason != "status 400" {
		t.Errorf("body = %+v", body)
	}

	get(t, r, "/api/dead-letters")
	if status.lastLimit != deadletter.DefaultListLimit {
		t.Errorf("default limit = %d, want %d", status.lastLimit, deadletter.DefaultListLimit)
	}

	get(t, r, "/api/dead-letters?job_id=abc")
	if status.lastJob != "abc" {
		t.Errorf("job filter = %q, want abc", status.lastJob)
	}
}

func TestDeadLettersEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"bad limit", "/api/dead-letters?limit=abc", nil, http.StatusBadRequest},
		{"zero limit", "/api/dead-letters?limit=0", nil, http.StatusBadRequest},
		{"disabled", "/api/dead-letters", sink.ErrDeadLettersDisabled, http.StatusNotFound},
		{"store failure", "/api/dead-letters", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestServer(t, &fakeStatus{err: tt.err})
			if w := get(t, r, tt.path); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestDeadLettersEndpoint_EmptyIsArray(t *testing.T) {
	r := newTestServer(t, &fakeStatus{})
	w := get(t, r, "/api/dead-letters")
	if !strings.Contains(w.Body.String(), `"dead_letters":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestServer(t, &fakeStatus{})

	w := get(t, r, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ibforward_router_records_received_total 1") {
		t.Errorf("metrics body missing received counter:\n%s", w.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeStatus{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
