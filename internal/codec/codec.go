// Package codec is the binary wire and at-rest form of chunks.
//
// A chunk is a CBOR sequence (RFC 8742): one header item followed by one
// item per record. Every record item is self-contained,
//
//	[tag, time, [job_id, extension_name, container_name, pod_name, log]]
//
// so records can be decoded one at a time and a truncated stream still
// yields every record written before the cut. time is a 12-byte byte string
// holding big-endian int64 unix seconds and uint32 nanoseconds, the Fluent
// forward EventTime layout widened to signed seconds so that every parsed
// timestamp is representable. Strings are CBOR text strings.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tinytelemetry/ibforward/internal/model"
)

const (
	chunkMagic   = "ibchunk"
	chunkVersion = 1

	headerLen = 5
	entryLen  = 3

	eventTimeLen = 12
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: the same chunk always produces the same
	// bytes, which keeps spool files comparable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type header struct {
	_       struct{} `cbor:",toarray"`
	Magic   string
	Version uint
	Tag     string
	Seq     uint64
	Created eventTime
}

type entry struct {
	_      struct{} `cbor:",toarray"`
	Tag    string
	Time   eventTime
	Record fields
}

type fields struct {
	_             struct{} `cbor:",toarray"`
	JobID         string
	ExtensionName string
	ContainerName string
	PodName       string
	Log           string
}

// eventTime is a timestamp with a fixed 12-byte encoding.
type eventTime struct {
	time.Time
}

func (t eventTime) MarshalCBOR() ([]byte, error) {
	var b [eventTimeLen]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(t.Unix()))
	binary.BigEndian.PutUint32(b[8:12], uint32(t.Nanosecond()))
	return encMode.Marshal(b[:])
}

func (t *eventTime) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := decMode.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != eventTimeLen {
		return fmt.Errorf("event time: got %d bytes, want %d", len(b), eventTimeLen)
	}
	sec := int64(binary.BigEndian.Uint64(b[0:8]))
	nsec := binary.BigEndian.Uint32(b[8:12])
	if nsec >= uint32(time.Second) {
		return fmt.Errorf("event time: nanoseconds %d out of range", nsec)
	}
	t.Time = time.Unix(sec, int64(nsec)).UTC()
	return nil
}

func newEntry(tag string, r model.ParsedRecord) entry {
	return entry{
		Tag:  tag,
		Time: eventTime{r.Time},
		Record: fields{
			JobID:         r.JobID,
			ExtensionName: r.ExtensionName,
			ContainerName: r.ContainerName,
			PodName:       r.PodName,
			Log:           r.Log,
		},
	}
}

func (e entry) record() model.ParsedRecord {
	return model.ParsedRecord{
		Time:          e.Time.Time,
		JobID:         e.Record.JobID,
		ExtensionName: e.Record.ExtensionName,
		ContainerName: e.Record.ContainerName,
		PodName:       e.Record.PodName,
		Log:           e.Record.Log,
	}
}

// EncodeEntry encodes a single record item without a chunk header.
func EncodeEntry(tag string, r model.ParsedRecord) ([]byte, error) {
	data, err := encMode.Marshal(newEntry(tag, r))
	if err != nil {
		return nil, wrapEncode(err)
	}
	return data, nil
}

// EncodeChunk encodes c as a header followed by one item per record.
func EncodeChunk(c *model.Chunk) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteChunk(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteChunk streams the encoding of c to w.
func WriteChunk(w io.Writer, c *model.Chunk) error {
	if c == nil {
		return fmt.Errorf("%w: nil chunk", model.ErrEncode)
	}
	enc := encMode.NewEncoder(w)
	h := header{
		Magic:   chunkMagic,
		Version: chunkVersion,
		Tag:     c.Tag,
		Seq:     c.Seq,
		Created: eventTime{c.Created},
	}
	if err := enc.Encode(h); err != nil {
		return wrapEncode(err)
	}
	for _, r := range c.Records {
		if err := enc.Encode(newEntry(c.Tag, r)); err != nil {
			return wrapEncode(err)
		}
	}
	return nil
}

// DecodeChunk decodes a chunk produced by EncodeChunk, or a plain sequence
// of record items produced by EncodeEntry (the chunk then has Seq 0 and the
// tag of its first record). When the data is truncated, the records decoded
// so far are returned together with an error wrapping model.ErrTruncated.
func DecodeChunk(data []byte) (*model.Chunk, error) {
	return ReadChunk(bytes.NewReader(data))
}

// ReadChunk is DecodeChunk over a stream.
func ReadChunk(r io.Reader) (*model.Chunk, error) {
	dec := NewDecoder(r)
	c := &model.Chunk{State: model.ChunkSealed}
	first := true
	for {
		item, err := dec.Next()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			return c, err
		}
		if item.Header != nil {
			if !first {
				return c, fmt.Errorf("%w: unexpected chunk header after records", model.ErrDecode)
			}
			c.Seq = item.Header.Seq
			c.Tag = item.Header.Tag
			c.Created = item.Header.Created
			first = false
			continue
		}
		if first {
			c.Tag = item.Tag
			first = false
		}
		c.Records = append(c.Records, item.Record)
	}
}

// Header is the decoded chunk header.
type Header struct {
	Tag     string
	Seq     uint64
	Created time.Time
}

// Item is one decoded element of a chunk stream: either a header or a record.
type Item struct {
	Header *Header
	Tag    string
	Record model.ParsedRecord
}

// Decoder reads chunk items incrementally.
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: decMode.NewDecoder(r)}
}

// Next returns the next item. It returns io.EOF at a clean end of stream and
// an error wrapping model.ErrTruncated when the stream ends mid-item.
func (d *Decoder) Next() (Item, error) {
	var raw cbor.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		switch err {
		case io.EOF:
			return Item{}, io.EOF
		case io.ErrUnexpectedEOF:
			return Item{}, fmt.Errorf("%w after %d bytes", model.ErrTruncated, d.dec.NumBytesRead())
		}
		return Item{}, wrapDecode(err)
	}

	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &parts); err != nil {
		return Item{}, wrapDecode(err)
	}

	switch len(parts) {
	case headerLen:
		var h header
		if err := decMode.Unmarshal(raw, &h); err != nil {
			return Item{}, wrapDecode(err)
		}
		if h.Magic != chunkMagic {
			return Item{}, fmt.Errorf("%w: bad magic %q", model.ErrDecode, h.Magic)
		}
		if h.Version != chunkVersion {
			return Item{}, fmt.Errorf("%w: unsupported version %d", model.ErrDecode, h.Version)
		}
		return Item{Header: &Header{Tag: h.Tag, Seq: h.Seq, Created: h.Created.Time}}, nil
	case entryLen:
		var e entry
		if err := decMode.Unmarshal(raw, &e); err != nil {
			return Item{}, wrapDecode(err)
		}
		return Item{Tag: e.Tag, Record: e.record()}, nil
	default:
		return Item{}, fmt.Errorf("%w: item has %d elements", model.ErrDecode, len(parts))
	}
}

func wrapEncode(err error) error {
	return fmt.Errorf("%w: %v", model.ErrEncode, err)
}

func wrapDecode(err error) error {
	return fmt.Errorf("%w: %v", model.ErrDecode, err)
}
