// Package timestamp parses record times found in container log input.
package timestamp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
}

// Parser converts loosely typed time values into time.Time.
type Parser struct {
	layouts []string
}

func NewParser(extraLayouts ...string) *Parser {
	l := make([]string, 0, len(layouts)+len(extraLayouts))
	l = append(l, layouts...)
	l = append(l, extraLayouts...)
	return &Parser{layouts: l}
}

// ParseTimestamp accepts layout strings, numeric strings and numbers.
// Numbers are epoch values whose unit is picked by magnitude: seconds
// (fractions kept), milliseconds, microseconds or nanoseconds.
func (p *Parser) ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		return p.parseString(t)
	case json.Number:
		return p.parseString(t.String())
	case float64:
		return fromFloat(t)
	case float32:
		return fromFloat(float64(t))
	case int:
		return fromInt(int64(t))
	case int64:
		return fromInt(t)
	case uint32:
		return fromInt(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return time.Time{}, false
		}
		return fromInt(int64(t))
	}
	return time.Time{}, false
}

func (p *Parser) parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromFloat(f)
	}
	for _, layout := range p.layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

const (
	maxSeconds = 1e11
	maxMillis  = 1e14
	maxMicros  = 1e17
)

func fromInt(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	switch {
	case n < maxSeconds:
		return time.Unix(n, 0).UTC(), true
	case n < maxMillis:
		return time.UnixMilli(n).UTC(), true
	case n < maxMicros:
		return time.UnixMicro(n).UTC(), true
	default:
		return time.Unix(0, n).UTC(), true
	}
}

func fromFloat(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f >= maxSeconds {
		if f > math.MaxInt64 {
			return time.Time{}, false
		}
		return fromInt(int64(f))
	}
	sec, frac := math.Modf(f)
	// Round to microseconds; float64 cannot carry nanoseconds at this magnitude.
	nsec := int64(math.Round(frac*1e6)) * 1e3
	return time.Unix(int64(sec), nsec).UTC(), true
}
