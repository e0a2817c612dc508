package model

import "time"

// ChunkState tracks a chunk through its lifecycle.
type ChunkState int

const (
	ChunkBuilding ChunkState = iota
	ChunkSealed
	ChunkDelivering
	ChunkDelivered
	ChunkPartiallyFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkBuilding:
		return "building"
	case ChunkSealed:
		return "sealed"
	case ChunkDelivering:
		return "delivering"
	case ChunkDelivered:
		return "delivered"
	case ChunkPartiallyFailed:
		return "partially_failed"
	default:
		return "unknown"
	}
}

// Chunk is an ordered batch of parsed records. Records are append-only while
// the chunk is building and must not be modified once it is sealed.
type Chunk struct {
	Seq     uint64
	Tag     string // sink identifier, carried through unchanged
	Created time.Time
	Records []ParsedRecord
	State   ChunkState
}

// Len returns the number of records in the chunk.
func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// Bytes returns the approximate encoded size of all records.
func (c *Chunk) Bytes() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, r := range c.Records {
		n += r.Size()
	}
	return n
}
