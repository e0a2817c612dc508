// Package chunk accumulates parsed records into chunks and decides when a
// chunk is sealed and handed over for delivery.
package chunk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/ibforward/internal/model"
)

const (
	// DefaultMaxRecords is the default record limit of one chunk.
	DefaultMaxRecords = 256
	// DefaultMaxBytes is the default approximate byte limit of one chunk.
	DefaultMaxBytes = 8 * 1024 * 1024
	// DefaultQueueSize is the number of sealed chunks that can wait for delivery.
	DefaultQueueSize = 16
)

// Config holds tunable parameters for the buffer.
type Config struct {
	MaxRecords int
	MaxBytes   int
	// FlushInterval is the maximum age of a building chunk. Zero seals
	// every record as soon as it is appended.
	FlushInterval time.Duration
	QueueSize     int
	// Tag is stamped on every chunk.
	Tag string
	// FirstSeq is the sequence number of the first chunk; 0 means 1.
	FirstSeq uint64
	// OnSeal, when set, is called for every sealed chunk before it is queued.
	OnSeal func(*model.Chunk)
}

// Buffer owns the building chunk. All mutations are serialized by mu, so a
// seal decision and the creation of the next chunk can never interleave with
// an append. Sealed chunks are published on a bounded channel; when it is
// full the sealing caller blocks, holding mu, instead of dropping the chunk.
// pending and nextSeq are written under mu but read without it, so status
// queries keep answering under backpressure.
type Buffer struct {
	mu            sync.Mutex
	cfg           Config
	building      *model.Chunk
	buildingBytes int
	sealed        chan *model.Chunk
	closed        bool
	now           func() time.Time

	pending atomic.Int64
	nextSeq atomic.Uint64
}

// NewBuffer creates a buffer. Zero-valued limits fall back to defaults.
func NewBuffer(conf ...Config) *Buffer {
	cfg := Config{
		MaxRecords: DefaultMaxRecords,
		MaxBytes:   DefaultMaxBytes,
		QueueSize:  DefaultQueueSize,
	}
	if len(conf) > 0 {
		c := conf[0]
		if c.MaxRecords > 0 {
			cfg.MaxRecords = c.MaxRecords
		}
		if c.MaxBytes > 0 {
			cfg.MaxBytes = c.MaxBytes
		}
		if c.QueueSize > 0 {
			cfg.QueueSize = c.QueueSize
		}
		if c.FlushInterval > 0 {
			cfg.FlushInterval = c.FlushInterval
		}
		cfg.FirstSeq = c.FirstSeq
		cfg.Tag = c.Tag
		cfg.OnSeal = c.OnSeal
	}
	first := cfg.FirstSeq
	if first == 0 {
		first = 1
	}
	b := &Buffer{
		cfg:    cfg,
		sealed: make(chan *model.Chunk, cfg.QueueSize),
		now:    time.Now,
	}
	b.nextSeq.Store(first)
	return b
}

// Sealed returns the channel of sealed chunks. It is closed by Close.
func (b *Buffer) Sealed() <-chan *model.Chunk {
	return b.sealed
}

// Append adds rec to the building chunk, sealing the current chunk first if
// rec would push it past the record or byte limit.
func (b *Buffer) Append(rec model.ParsedRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return model.ErrClosed
	}

	if b.building != nil && b.wouldOverflow(rec) {
		b.sealLocked()
	}
	if b.building == nil {
		b.building = &model.Chunk{
			Seq:     b.nextSeq.Load(),
			Tag:     b.cfg.Tag,
			Created: b.now(),
			Records: make([]model.ParsedRecord, 0, min(b.cfg.MaxRecords, 64)),
			State:   model.ChunkBuilding,
		}
		b.buildingBytes = 0
		b.nextSeq.Add(1)
	}
	b.building.Records = append(b.building.Records, rec)
	b.buildingBytes += rec.Size()
	b.pending.Store(int64(len(b.building.Records)))

	if b.cfg.FlushInterval == 0 {
		b.sealLocked()
	}
	return nil
}

func (b *Buffer) wouldOverflow(rec model.ParsedRecord) bool {
	if len(b.building.Records)+1 > b.cfg.MaxRecords {
		return true
	}
	return b.buildingBytes+rec.Size() > b.cfg.MaxBytes
}

// Tick seals the building chunk when it is non-empty and older than the
// flush interval. It reports whether a chunk was sealed.
func (b *Buffer) Tick(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.building == nil || len(b.building.Records) == 0 {
		return false
	}
	if now.Sub(b.building.Created) < b.cfg.FlushInterval {
		return false
	}
	b.sealLocked()
	return true
}

// DrainAndSeal seals whatever is building. It is a no-op on an empty buffer.
func (b *Buffer) DrainAndSeal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.building == nil || len(b.building.Records) == 0 {
		return false
	}
	b.sealLocked()
	return true
}

// Close seals the building chunk and closes the sealed channel. Appends
// after Close fail with model.ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.building != nil && len(b.building.Records) > 0 {
		b.sealLocked()
	}
	b.closed = true
	close(b.sealed)
}

// Pending returns the number of records in the building chunk.
func (b *Buffer) Pending() int {
	return int(b.pending.Load())
}

// NextSeq returns the sequence number the next chunk will receive.
func (b *Buffer) NextSeq() uint64 {
	return b.nextSeq.Load()
}

// Run drives Tick every flush interval until ctx is done. It returns
// immediately when the flush interval is zero.
func (b *Buffer) Run(ctx context.Context) {
	if b.cfg.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Tick(now)
		}
	}
}

// sealLocked must be called with mu held and a non-nil building chunk.
func (b *Buffer) sealLocked() {
	c := b.building
	b.building = nil
	b.buildingBytes = 0
	b.pending.Store(0)
	c.State = model.ChunkSealed
	if b.cfg.OnSeal != nil {
		b.cfg.OnSeal(c)
	}
	b.sealed <- c
}
