package model

import "errors"

// Error taxonomy shared by all pipeline components. Only ErrConfig may stop
// the pipeline from starting; everything else is contained where it occurs.
var (
	ErrParseMismatch = errors.New("namespace does not match job pattern")
	ErrMissingField  = errors.New("required metadata field missing")
	ErrDelivery      = errors.New("delivery failed")
	ErrConfig        = errors.New("invalid configuration")
	ErrEncode        = errors.New("chunk encode failed")
	ErrDecode        = errors.New("chunk decode failed")
	ErrTruncated     = errors.New("chunk stream truncated")
	ErrClosed        = errors.New("pipeline closed")
)
