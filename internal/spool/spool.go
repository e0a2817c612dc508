// Package spool keeps sealed chunks at rest until they are delivered.
package spool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/ibforward/internal/codec"
	"github.com/tinytelemetry/ibforward/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Spool is a durable append-only file of encoded chunks. The file is a plain
// concatenation of codec chunk streams; acknowledgements are tracked in a
// sidecar file. Acks may arrive out of order: the committed watermark sits
// just below the oldest chunk still outstanding in the file, and acks above it
// are remembered individually. A sequence number whose chunk never reached the
// file does not hold the watermark back.
type Spool struct {
	mu          sync.Mutex
	path        string
	commitPath  string
	file        *os.File
	committed   uint64
	acked       map[uint64]struct{}
	outstanding map[uint64]struct{}
	maxSeq      uint64
}

// Open creates or opens a spool at path. On startup it compacts acknowledged
// chunks away and keeps whole records of a partially written trailing chunk.
func Open(path string) (*Spool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("spool: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("spool: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, acked, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, outstanding, err := compact(path, committed, acked)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("spool: open: %w", err)
	}

	if committed > maxSeq {
		maxSeq = committed
	}
	for seq := range acked {
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	s := &Spool{
		path:        path,
		commitPath:  commitPath,
		file:        f,
		committed:   committed,
		acked:       acked,
		outstanding: outstanding,
		maxSeq:      maxSeq,
	}
	ackedBefore := len(acked)
	s.advance()
	if s.committed != committed || len(s.acked) != ackedBefore {
		if err := writeCommitted(commitPath, s.committed, s.acked); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Append persists a sealed chunk.
func (s *Spool) Append(c *model.Chunk) error {
	if c == nil {
		return fmt.Errorf("spool: append: %w: nil chunk", model.ErrEncode)
	}
	data, err := codec.EncodeChunk(c)
	if err != nil {
		return fmt.Errorf("spool: encode chunk %d: %w", c.Seq, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("spool: append chunk %d: %w", c.Seq, model.ErrClosed)
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("spool: stat before chunk %d: %w", c.Seq, err)
	}
	if _, err := s.file.Write(data); err != nil {
		// Drop the partial chunk so later appends stay decodable.
		_ = s.file.Truncate(info.Size())
		return fmt.Errorf("spool: write chunk %d: %w", c.Seq, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("spool: sync chunk %d: %w", c.Seq, err)
	}
	s.outstanding[c.Seq] = struct{}{}
	if c.Seq > s.maxSeq {
		s.maxSeq = c.Seq
	}
	return nil
}

// Ack marks the chunk with sequence number seq as delivered. Once every
// appended chunk is acknowledged the spool file is truncated.
func (s *Spool) Ack(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.committed {
		return nil
	}
	s.acked[seq] = struct{}{}
	delete(s.outstanding, seq)
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
	s.advance()

	if err := writeCommitted(s.commitPath, s.committed, s.acked); err != nil {
		return err
	}
	if len(s.outstanding) == 0 && s.file != nil {
		if err := s.file.Truncate(0); err != nil {
			return fmt.Errorf("spool: truncate: %w", err)
		}
	}
	return nil
}

// advance moves the watermark up to the oldest outstanding chunk, or to maxSeq
// when nothing is outstanding, and forgets acks at or below it.
func (s *Spool) advance() {
	target := s.maxSeq
	for seq := range s.outstanding {
		if seq > 0 && seq-1 < target {
			target = seq - 1
		}
	}
	if target > s.committed {
		s.committed = target
	}
	for seq := range s.acked {
		if seq <= s.committed {
			delete(s.acked, seq)
		}
	}
}

// Committed returns the highest sequence number below which every chunk
// has been acknowledged.
func (s *Spool) Committed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// NextSeq returns the first sequence number not yet used by the spool.
func (s *Spool) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq + 1
}

// Replay calls fn for each unacknowledged chunk in file order.
func (s *Spool) Replay(fn func(c *model.Chunk) error) error {
	if fn == nil {
		return errors.New("spool: replay callback is nil")
	}

	s.mu.Lock()
	path := s.path
	committed := s.committed
	acked := make(map[uint64]struct{}, len(s.acked))
	for seq := range s.acked {
		acked[seq] = struct{}{}
	}
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("spool: open for replay: %w", err)
	}
	defer f.Close()

	return scan(bufio.NewReader(f), func(c *model.Chunk) error {
		if isAcked(c.Seq, committed, acked) {
			return nil
		}
		return fn(c)
	})
}

// Close closes the underlying spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func isAcked(seq, committed uint64, acked map[uint64]struct{}) bool {
	if seq <= committed {
		return true
	}
	_, ok := acked[seq]
	return ok
}

// scan splits a spool stream into chunks. A truncated trailing chunk is
// returned with the records that were written completely.
func scan(r io.Reader, fn func(c *model.Chunk) error) error {
	dec := codec.NewDecoder(r)
	var cur *model.Chunk

	emit := func() error {
		if cur == nil {
			return nil
		}
		c := cur
		cur = nil
		return fn(c)
	}

	for {
		item, err := dec.Next()
		if err == io.EOF {
			return emit()
		}
		if errors.Is(err, model.ErrTruncated) {
			slog.Warn("spool: ignoring partially written tail", "component", "spool", "error", err)
			return emit()
		}
		if err != nil {
			// Stop at the first malformed item and keep replay deterministic.
			slog.Error("spool: stopping scan at malformed item", "component", "spool", "error", err)
			return emit()
		}

		if item.Header != nil {
			if err := emit(); err != nil {
				return err
			}
			cur = &model.Chunk{
				Seq:     item.Header.Seq,
				Tag:     item.Header.Tag,
				Created: item.Header.Created,
				State:   model.ChunkSealed,
			}
			continue
		}
		if cur == nil {
			slog.Warn("spool: skipping record without chunk header", "component", "spool")
			continue
		}
		cur.Records = append(cur.Records, item.Record)
	}
}

func readCommitted(path string) (uint64, map[uint64]struct{}, error) {
	acked := make(map[uint64]struct{})
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, acked, nil
		}
		return 0, nil, fmt.Errorf("spool: read commit file: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if lines[0] == "" {
		return 0, acked, nil
	}
	committed, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("spool: parse commit seq: %w", err)
	}
	if len(lines) == 2 {
		for _, field := range strings.Fields(lines[1]) {
			seq, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("spool: parse acked seq: %w", err)
			}
			if seq > committed {
				acked[seq] = struct{}{}
			}
		}
	}
	return committed, acked, nil
}

func writeCommitted(path string, committed uint64, acked map[uint64]struct{}) error {
	seqs := make([]uint64, 0, len(acked))
	for seq := range acked {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var b strings.Builder
	b.WriteString(strconv.FormatUint(committed, 10))
	b.WriteByte('\n')
	for i, seq := range seqs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(seq, 10))
	}
	b.WriteByte('\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), defaultFileMode); err != nil {
		return fmt.Errorf("spool: write commit tmp: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_RDWR, defaultFileMode)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: open commit tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: sync commit tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: close commit tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("spool: rename commit file: %w", err)
	}
	return nil
}

// compact rewrites the spool keeping only unacknowledged chunks. It returns
// the highest sequence number found and the chunks left outstanding.
func compact(path string, committed uint64, acked map[uint64]struct{}) (uint64, map[uint64]struct{}, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, nil, fmt.Errorf("spool: open source for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return 0, nil, fmt.Errorf("spool: open compact tmp: %w", err)
	}

	var maxSeq uint64
	outstanding := make(map[uint64]struct{})
	w := bufio.NewWriter(dst)
	serr := scan(bufio.NewReader(src), func(c *model.Chunk) error {
		if c.Seq > maxSeq {
			maxSeq = c.Seq
		}
		if isAcked(c.Seq, committed, acked) {
			return nil
		}
		outstanding[c.Seq] = struct{}{}
		return codec.WriteChunk(w, c)
	})
	if serr == nil {
		serr = w.Flush()
	}
	if serr != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("spool: compact write: %w", serr)
	}

	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("spool: compact sync: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("spool: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("spool: compact rename: %w", err)
	}
	return maxSeq, outstanding, nil
}
