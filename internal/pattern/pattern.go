package pattern

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Algorithm selects which capture/match strategy a pattern belongs to.
// The two variants share one registration/unlock contract; dispatch is by
// tag, not type hierarchy, so each matcher stays independently testable.
type Algorithm string

const (
	AlgorithmTiming   Algorithm = "timing"
	AlgorithmLandmark Algorithm = "landmark"
)

// Fixed design constants. The matching tolerances are deliberately not
// configurable per user.
const (
	MinTaps       = 4
	MaxTaps       = 8
	MaxDuration   = 10 * time.Second
	IntervalTol   = 0.25 // ±25% per consecutive interval
	CloseFloor    = 0.5  // confidence above this but below match is a "close" miss
	MinSequence   = 3
	MaxSequence   = 5
	LandmarkCount = 8
	MinQuality    = 50
)

var (
	ErrPatternTooShort  = errors.New("pattern has too few taps")
	ErrPatternTooLong   = errors.New("pattern has too many taps")
	ErrPatternTooSlow   = errors.New("pattern exceeded the maximum capture duration")
	ErrInvalidTap       = errors.New("tap fields are out of range")
	ErrAlgorithmMissing = errors.New("pattern variant payload missing")
)

// Tap is one captured pointer event. OffsetMs is relative to the first
// tap of the capture.
type Tap struct {
	OffsetMs float64 `json:"offset_ms"`
	X        float64 `json:"x"` // normalized [0,1]
	Y        float64 `json:"y"` // normalized [0,1]
	Pressure float64 `json:"pressure"`
	HoldMs   float64 `json:"hold_ms"`
}

// TimingPattern is an ordered tap sequence matched by rhythm.
type TimingPattern struct {
	Taps []Tap `json:"taps"`
}

// LandmarkPattern is an ordered sequence of landmark ids (0..7) produced
// by snapping raw taps onto the generated landmark layout.
type LandmarkPattern struct {
	Sequence []int `json:"sequence"`
}

// Pattern is the tagged variant handed to register/unlock.
type Pattern struct {
	Algorithm Algorithm        `json:"algorithm"`
	Timing    *TimingPattern   `json:"timing,omitempty"`
	Landmark  *LandmarkPattern `json:"landmark,omitempty"`
}

// MatchOutcome carries the boolean decision plus the continuous
// confidence score used for retry UX. Close reports a near miss.
type MatchOutcome struct {
	Match      bool
	Confidence float64
	Close      bool
}

type matcher interface {
	Validate(p Pattern) error
	Match(stored, attempt Pattern) MatchOutcome
	Quality(p Pattern) int
	TemplateBytes(p Pattern) ([]byte, error)
}

func matcherFor(alg Algorithm) (matcher, bool) {
	switch alg {
	case AlgorithmTiming:
		return timingMatcher{}, true
	case AlgorithmLandmark:
		return landmarkMatcher{}, true
	default:
		return nil, false
	}
}

// Intervals returns the consecutive inter-tap gaps in milliseconds.
func (p *TimingPattern) Intervals() []float64 {
	if len(p.Taps) < 2 {
		return nil
	}
	out := make([]float64, 0, len(p.Taps)-1)
	for i := 1; i < len(p.Taps); i++ {
		out = append(out, p.Taps[i].OffsetMs-p.Taps[i-1].OffsetMs)
	}
	return out
}

func encodeIntervals(prefix string, intervals []float64) []byte {
	buf := make([]byte, 0, len(prefix)+4*len(intervals))
	buf = append(buf, []byte(prefix)...)
	for _, iv := range intervals {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(math.Round(iv)))
		buf = append(buf, b[:]...)
	}
	return buf
}

func encodeSequence(prefix string, sequence []int) []byte {
	buf := make([]byte, 0, len(prefix)+len(sequence))
	buf = append(buf, []byte(prefix)...)
	for _, id := range sequence {
		buf = append(buf, byte(id))
	}
	return buf
}
