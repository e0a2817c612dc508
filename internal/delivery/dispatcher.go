package delivery

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/metrics"
	"github.com/tinytelemetry/ibforward/internal/model"
)

// DefaultWorkers is the default number of concurrent delivery workers.
const DefaultWorkers = 2

// Deliverer delivers one chunk. *Client implements it.
type Deliverer interface {
	Deliver(ctx context.Context, chunk *model.Chunk) model.Result
}

// DispatcherConfig holds tunable parameters for the dispatcher.
type DispatcherConfig struct {
	Workers int
	// OnDone is called once a chunk has been fully processed.
	OnDone func(*model.Chunk, model.Result)
	// OnLost is called for every chunk abandoned at shutdown.
	OnLost  func(*model.Chunk)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher fans sealed chunks out to delivery workers so that a slow
// ingestion endpoint never blocks record ingestion.
type Dispatcher struct {
	deliverer Deliverer
	workers   int
	onDone    func(*model.Chunk, model.Result)
	onLost    func(*model.Chunk)
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// NewDispatcher creates a dispatcher delivering through d.
func NewDispatcher(d Deliverer, conf ...DispatcherConfig) *Dispatcher {
	workers := DefaultWorkers
	var cfg DispatcherConfig
	if len(conf) > 0 {
		cfg = conf[0]
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
	}
	return &Dispatcher{
		deliverer: d,
		workers:   workers,
		onDone:    cfg.OnDone,
		onLost:    cfg.OnLost,
		metrics:   cfg.Metrics,
		log:       logging.Component(cfg.Logger, "dispatcher"),
	}
}

// Run delivers chunks from in until in is closed. When ctx is cancelled
// first, in-flight deliveries are aborted and every chunk still queued is
// reported as lost; Run keeps draining in until it is closed so the
// producer never blocks forever.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *model.Chunk) error {
	var g errgroup.Group
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx, in)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, in <-chan *model.Chunk) {
	for {
		select {
		case <-ctx.Done():
			for c := range in {
				d.lost(c)
			}
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				d.lost(c)
				continue
			}
			d.deliver(ctx, c)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, c *model.Chunk) {
	c.State = model.ChunkDelivering
	res := d.deliverer.Deliver(ctx, c)
	if ctx.Err() != nil {
		d.lost(c)
		return
	}
	c.State = res.State()

	if res.Failed() > 0 {
		d.log.Warn("dispatcher: chunk partially failed",
			"seq", c.Seq, "records", c.Len(), "delivered", res.Delivered(), "failed", res.Failed())
	} else {
		d.log.Debug("dispatcher: chunk delivered", "seq", c.Seq, "records", c.Len())
	}
	if d.onDone != nil {
		d.onDone(c, res)
	}
}

func (d *Dispatcher) lost(c *model.Chunk) {
	d.metrics.Lost()
	d.log.Error("dispatcher: chunk lost at shutdown", "seq", c.Seq, "records", c.Len())
	if d.onLost != nil {
		d.onLost(c)
	}
}
