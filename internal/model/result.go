package model

// DeliveryStatus is the outcome of delivering one record.
type DeliveryStatus int

const (
	Delivered DeliveryStatus = iota
	Failed
)

func (s DeliveryStatus) String() string {
	if s == Delivered {
		return "delivered"
	}
	return "failed"
}

// Outcome reports what happened to a single record of a chunk.
type Outcome struct {
	Record   ParsedRecord
	Status   DeliveryStatus
	Reason   string // empty when delivered
	Attempts int
}

// Result reports per-record outcomes of delivering one chunk.
type Result struct {
	Seq      uint64
	Outcomes []Outcome
}

// Delivered returns the number of records that were delivered.
func (r Result) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == Delivered {
			n++
		}
	}
	return n
}

// Failed returns the number of records that could not be delivered.
func (r Result) Failed() int {
	return len(r.Outcomes) - r.Delivered()
}

// State returns the terminal chunk state implied by the outcomes.
func (r Result) State() ChunkState {
	if r.Failed() > 0 {
		return ChunkPartiallyFailed
	}
	return ChunkDelivered
}
