// Package sink assembles the forwarding pipeline behind the host agent's
// plugin contract: records are routed into chunks, chunks are spooled and
// delivered record by record to the ingestion endpoint.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/ibforward/internal/chunk"
	"github.com/tinytelemetry/ibforward/internal/codec"
	"github.com/tinytelemetry/ibforward/internal/deadletter"
	"github.com/tinytelemetry/ibforward/internal/delivery"
	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/metrics"
	"github.com/tinytelemetry/ibforward/internal/model"
	"github.com/tinytelemetry/ibforward/internal/router"
	"github.com/tinytelemetry/ibforward/internal/spool"
)

var (
	// ErrNotStarted is returned by operations that need a started sink.
	ErrNotStarted = errors.New("sink: not started")
	// ErrDeadLettersDisabled is returned when no ledger is configured.
	ErrDeadLettersDisabled = errors.New("sink: dead-letter ledger disabled")
)

// Sink is the contract the host agent drives.
type Sink interface {
	Configure(cfg Config) error
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// Format encodes one raw record as a chunk entry for host-side buffering.
	Format(tag string, t time.Time, raw model.RawRecord) ([]byte, error)
	// Write delivers a chunk of entries produced by Format.
	Write(ctx context.Context, chunk []byte) (model.Result, error)
}

// Option customizes a ForwardSink.
type Option func(*ForwardSink)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *ForwardSink) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ForwardSink) { s.metrics = m }
}

// WithHTTPClient sets the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(s *ForwardSink) { s.httpClient = c }
}

// WithFailureRecorder replaces the DuckDB dead-letter ledger.
func WithFailureRecorder(r delivery.FailureRecorder) Option {
	return func(s *ForwardSink) { s.recorder = r }
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Endpoint         string       `json:"endpoint"`
	Router           router.Stats `json:"router"`
	PendingRecords   int          `json:"pending_records"`
	QueuedChunks     int          `json:"queued_chunks"`
	NextSeq          uint64       `json:"next_seq"`
	ChunksSealed     uint64       `json:"chunks_sealed"`
	ChunksReplayed   uint64       `json:"chunks_replayed"`
	ChunksDelivered  uint64       `json:"chunks_delivered"`
	ChunksPartial    uint64       `json:"chunks_partially_failed"`
	ChunksLost       uint64       `json:"chunks_lost"`
	RecordsDelivered uint64       `json:"records_delivered"`
	RecordsFailed    uint64       `json:"records_failed"`
	SpoolCommitted   uint64       `json:"spool_committed"`
}

// ForwardSink is the Sink implementation. Emit feeds the buffered stream
// path; Format and Write serve hosts that buffer chunks themselves.
type ForwardSink struct {
	logger     *slog.Logger
	log        *slog.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	recorder   delivery.FailureRecorder

	mu         sync.Mutex
	cfg        Config
	configured bool
	started    bool
	stopped    bool

	client      *delivery.Client
	buffer      *chunk.Buffer
	router      *router.Router
	dispatcher  *delivery.Dispatcher
	spool       *spool.Spool
	deadLetters *deadletter.Store
	queue       chan *model.Chunk

	stopTick      context.CancelFunc
	cancelDeliver context.CancelFunc
	done          chan struct{}

	chunksSealed     atomic.Uint64
	chunksReplayed   atomic.Uint64
	chunksDelivered  atomic.Uint64
	chunksPartial    atomic.Uint64
	chunksLost       atomic.Uint64
	recordsDelivered atomic.Uint64
	recordsFailed    atomic.Uint64
}

var _ Sink = (*ForwardSink)(nil)

// New creates an unconfigured sink.
func New(opts ...Option) *ForwardSink {
	s := &ForwardSink{}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.logger, "sink")
	return s
}

// Configure validates and stores cfg. It must be called before Start.
func (s *ForwardSink) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: sink already started", model.ErrConfig)
	}
	s.cfg = cfg
	s.configured = true
	return nil
}

// Start opens the spool and ledger, replays unacknowledged chunks and starts
// the flush ticker and delivery workers. Cancelling ctx later does not stop
// delivery; use Shutdown.
func (s *ForwardSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		return fmt.Errorf("%w: sink started before Configure", model.ErrConfig)
	}
	if s.started {
		return nil
	}
	cfg := s.cfg

	recorder := s.recorder
	if recorder == nil && cfg.DeadLetterEnabled {
		store, err := deadletter.Open(ctx, cfg.DeadLetterPath)
		if err != nil {
			return err
		}
		s.deadLetters = store
		recorder = store
	}

	client, err := delivery.NewClient(delivery.ClientConfig{
		Endpoint:          cfg.Endpoint(),
		MaxRetries:        cfg.MaxRetries,
		BackoffBase:       cfg.RetryBackoffBase,
		BackoffMax:        cfg.RetryBackoffMax,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		HTTPClient:        s.httpClient,
		Recorder:          recorder,
		Metrics:           s.metrics,
		Logger:            s.logger,
	})
	if err != nil {
		s.closeStores()
		return err
	}
	s.client = client

	var replay []*model.Chunk
	firstSeq := uint64(1)
	if cfg.SpoolEnabled {
		sp, err := spool.Open(cfg.SpoolPath)
		if err != nil {
			s.closeStores()
			return err
		}
		s.spool = sp
		if err := sp.Replay(func(c *model.Chunk) error {
			replay = append(replay, c)
			return nil
		}); err != nil {
			s.closeStores()
			return fmt.Errorf("replay spool: %w", err)
		}
		firstSeq = sp.NextSeq()
		if len(replay) > 0 {
			s.log.Info("sink: replaying spooled chunks", "chunks", len(replay), "first_seq", replay[0].Seq)
		}
	}

	s.buffer = chunk.NewBuffer(chunk.Config{
		MaxRecords:    cfg.MaxChunkRecords,
		MaxBytes:      cfg.MaxChunkBytes,
		FlushInterval: cfg.FlushInterval,
		QueueSize:     cfg.DeliveryQueueSize,
		Tag:           cfg.Tag,
		FirstSeq:      firstSeq,
		OnSeal:        s.onSeal,
	})
	s.router = router.New(s.buffer, s.metrics, s.logger)
	s.dispatcher = delivery.NewDispatcher(client, delivery.DispatcherConfig{
		Workers: cfg.DeliveryWorkers,
		OnDone:  s.onDone,
		OnLost:  func(*model.Chunk) { s.chunksLost.Add(1) },
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	s.queue = make(chan *model.Chunk, cfg.DeliveryQueueSize)
	s.metrics.RegisterQueueDepth(func() int { return len(s.queue) })

	base := context.WithoutCancel(ctx)
	tickCtx, stopTick := context.WithCancel(base)
	deliverCtx, cancelDeliver := context.WithCancel(base)
	s.stopTick = stopTick
	s.cancelDeliver = cancelDeliver
	s.done = make(chan struct{})

	go s.buffer.Run(tickCtx)
	go s.forward(replay)
	go func() {
		defer close(s.done)
		_ = s.dispatcher.Run(deliverCtx, s.queue)
	}()

	s.started = true
	s.log.Info("sink: started",
		"endpoint", client.URL(),
		"max_chunk_records", cfg.MaxChunkRecords,
		"flush_interval", cfg.FlushInterval,
		"workers", cfg.DeliveryWorkers,
		"spool", cfg.SpoolEnabled)
	return nil
}

// forward feeds replayed chunks and then every sealed chunk to the workers.
func (s *ForwardSink) forward(replay []*model.Chunk) {
	defer close(s.queue)
	for _, c := range replay {
		s.chunksReplayed.Add(1)
		s.queue <- c
	}
	for c := range s.buffer.Sealed() {
		s.queue <- c
	}
}

func (s *ForwardSink) onSeal(c *model.Chunk) {
	s.chunksSealed.Add(1)
	s.metrics.Sealed(c.Len())
	if s.spool == nil {
		return
	}
	if err := s.spool.Append(c); err != nil {
		s.log.Error("sink: spool write failed, chunk is not durable", "seq", c.Seq, "error", err)
	}
}

func (s *ForwardSink) onDone(c *model.Chunk, res model.Result) {
	s.recordsDelivered.Add(uint64(res.Delivered()))
	s.recordsFailed.Add(uint64(res.Failed()))
	if res.Failed() > 0 {
		s.chunksPartial.Add(1)
	} else {
		s.chunksDelivered.Add(1)
	}
	// Failed records are in the ledger; they are never re-queued.
	if s.spool != nil {
		if err := s.spool.Ack(c.Seq); err != nil {
			s.log.Error("sink: spool ack failed", "seq", c.Seq, "error", err)
		}
	}
}

// Emit routes one record into the buffered stream path. Records that are
// not job records return an error for which router.IsDrop is true.
func (s *ForwardSink) Emit(raw model.RawRecord) error {
	s.mu.Lock()
	r := s.router
	s.mu.Unlock()
	if r == nil {
		return ErrNotStarted
	}
	return r.Route(raw)
}

// Format parses raw and encodes it as a headerless chunk entry stamped with
// tag and t. Records that are not job records return the routing error.
func (s *ForwardSink) Format(tag string, t time.Time, raw model.RawRecord) ([]byte, error) {
	rec, err := router.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !t.IsZero() {
		rec.Time = t
	}
	if tag == "" {
		tag = s.tag()
	}
	return codec.EncodeEntry(tag, rec)
}

// Write decodes a host-buffered chunk and delivers its records. Whole
// records before a truncation are delivered and the truncation is returned
// with the result; any other decode error discards the chunk.
func (s *ForwardSink) Write(ctx context.Context, data []byte) (model.Result, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return model.Result{}, ErrNotStarted
	}

	res, err := client.DeliverBytes(ctx, data)
	if err != nil && !errors.Is(err, model.ErrTruncated) {
		s.log.Error("sink: undecodable chunk discarded", "bytes", len(data), "error", err)
		return res, err
	}
	if err != nil {
		s.log.Warn("sink: truncated chunk, delivered whole records", "records", len(res.Outcomes), "error", err)
	}
	s.recordsDelivered.Add(uint64(res.Delivered()))
	s.recordsFailed.Add(uint64(res.Failed()))
	return res, err
}

// Shutdown seals what is buffered and waits for queued chunks to be
// delivered, at most ShutdownTimeout or until ctx is done. Chunks still
// queued at the deadline are reported lost; they stay in the spool and are
// replayed on the next Start.
func (s *ForwardSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	timeout := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	s.stopTick()
	go s.buffer.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancelDeliver()
		<-s.done
		err = fmt.Errorf("sink: delivery did not finish before shutdown deadline, %d chunks lost: %w",
			s.chunksLost.Load(), ctx.Err())
	}
	s.cancelDeliver()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStores()
	s.log.Info("sink: stopped",
		"records_delivered", s.recordsDelivered.Load(),
		"records_failed", s.recordsFailed.Load(),
		"chunks_lost", s.chunksLost.Load())
	return err
}

func (s *ForwardSink) closeStores() {
	if s.spool != nil {
		if err := s.spool.Close(); err != nil {
			s.log.Warn("sink: closing spool", "error", err)
		}
	}
	if s.deadLetters != nil {
		if err := s.deadLetters.Close(); err != nil {
			s.log.Warn("sink: closing dead-letter ledger", "error", err)
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (s *ForwardSink) Stats() Stats {
	s.mu.Lock()
	cfg, r, buf, sp, queue := s.cfg, s.router, s.buffer, s.spool, s.queue
	s.mu.Unlock()

	st := Stats{
		ChunksSealed:     s.chunksSealed.Load(),
		ChunksReplayed:   s.chunksReplayed.Load(),
		ChunksDelivered:  s.chunksDelivered.Load(),
		ChunksPartial:    s.chunksPartial.Load(),
		ChunksLost:       s.chunksLost.Load(),
		RecordsDelivered: s.recordsDelivered.Load(),
		RecordsFailed:    s.recordsFailed.Load(),
	}
	if cfg.EndpointHost != "" {
		st.Endpoint = cfg.Endpoint() + delivery.IngestPath
	}
	if r != nil {
		st.Router = r.Stats()
	}
	if buf != nil {
		st.PendingRecords = buf.Pending()
		st.NextSeq = buf.NextSeq()
	}
	if queue != nil {
		st.QueuedChunks = len(queue)
	}
	if sp != nil {
		st.SpoolCommitted = sp.Committed()
	}
	return st
}

// DeadLetters lists the most recent dead-lettered records.
func (s *ForwardSink) DeadLetters(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	s.mu.Lock()
	store := s.deadLetters
	s.mu.Unlock()
	if store == nil {
		return nil, ErrDeadLettersDisabled
	}
	return store.List(ctx, limit)
}

// JobDeadLetters lists every dead-lettered record of one job.
func (s *ForwardSink) JobDeadLetters(ctx context.Context, jobID string) ([]deadletter.Entry, error) {
	s.mu.Lock()
	store := s.deadLetters
	s.mu.Unlock()
	if store == nil {
		return nil, ErrDeadLettersDisabled
	}
	return store.ListJob(ctx, jobID)
}

func (s *ForwardSink) tag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Tag == "" {
		return DefaultTag
	}
	return s.cfg.Tag
}
