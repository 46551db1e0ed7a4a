package shower

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinDurationMinutes = 1
	MaxDurationMinutes = 24 * 60
	MaxLensValue       = 0xFFFF
	MinSpotSize        = 1
	MaxSpotSize        = 5
	DefaultSpotSize    = 5
)

// ErrInvalidParams is returned for operator input that must not reach the
// instrument.
var ErrInvalidParams = errors.New("invalid shower parameters")

// Params are the validated operator inputs of one run.
type Params struct {
	DurationMinutes int `json:"durationMinutes"`
	CL1             int `json:"cl1"`
	CL2             int `json:"cl2"`
	CL3             int `json:"cl3"`
	SpotSize        int `json:"spotSize"`
}

// Request carries operator inputs as entered: lens values are base-16 text.
// Zero or empty fields fall back to the daemon configuration.
type Request struct {
	DurationMinutes int    `json:"durationMinutes,omitempty"`
	CL1             string `json:"cl1,omitempty"`
	CL2             string `json:"cl2,omitempty"`
	CL3             string `json:"cl3,omitempty"`
	SpotSize        int    `json:"spotSize,omitempty"`
}

// Merge fills the empty fields of r from def.
func (r Request) Merge(def Request) Request {
	if r.DurationMinutes == 0 {
		r.DurationMinutes = def.DurationMinutes
	}
	if r.CL1 == "" {
		r.CL1 = def.CL1
	}
	if r.CL2 == "" {
		r.CL2 = def.CL2
	}
	if r.CL3 == "" {
		r.CL3 = def.CL3
	}
	if r.SpotSize == 0 {
		r.SpotSize = def.SpotSize
	}
	return r
}

// Parse validates the request and converts it to Params.
func (r Request) Parse() (*Params, error) {
	return ParseParams(r.DurationMinutes, r.CL1, r.CL2, r.CL3, r.SpotSize)
}

// ParseParams validates operator inputs. Lens values are parsed as base-16.
func ParseParams(durationMinutes int, cl1, cl2, cl3 string, spotSize int) (*Params, error) {
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return nil, fmt.Errorf("%w: duration must be between %d and %d minutes, got %d",
			ErrInvalidParams, MinDurationMinutes, MaxDurationMinutes, durationMinutes)
	}
	if spotSize < MinSpotSize || spotSize > MaxSpotSize {
		return nil, fmt.Errorf("%w: spot size must be between %d and %d, got %d",
			ErrInvalidParams, MinSpotSize, MaxSpotSize, spotSize)
	}

	p := &Params{DurationMinutes: durationMinutes, SpotSize: spotSize}
	for i, in := range []struct {
		s   string
		dst *int
	}{{cl1, &p.CL1}, {cl2, &p.CL2}, {cl3, &p.CL3}} {
		v, err := ParseLensValue(in.s)
		if err != nil {
			return nil, fmt.Errorf("%w: CL%d: %v", ErrInvalidParams, i+1, err)
		}
		*in.dst = v
	}

	return p, nil
}

// ParseLensValue parses a free lens control set-point entered as
// hexadecimal text, e.g. "03E8" or "0x3e8".
func ParseLensValue(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, errors.New("empty lens value")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("lens value %q exceeds %#x", s, MaxLensValue)
		}
		return 0, fmt.Errorf("lens value %q is not hexadecimal", s)
	}
	return int(v), nil
}

// FormatLensValue renders a set-point the way operators enter it.
func FormatLensValue(v int) string {
	return fmt.Sprintf("%04X", v)
}

// Lens returns the set-points in channel order CL1, CL2, CL3.
func (p *Params) Lens() [3]int {
	return [3]int{p.CL1, p.CL2, p.CL3}
}

// Total is the unblanked dwell time in milliseconds.
func (p *Params) Total() int64 {
	return int64(p.DurationMinutes) * 60 * 1000
}

// Duration is the unblanked dwell time.
func (p *Params) Duration() time.Duration {
	return time.Duration(p.Total()) * time.Millisecond
}
