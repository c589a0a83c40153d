package pattern

import "math"

// timingMatcher compares inter-tap intervals. A match requires every
// consecutive interval of the attempt to land within ±25% of the
// registered value. The comparison is fuzzy by design: nobody reproduces
// a rhythm to the millisecond.
type timingMatcher struct{}

func (timingMatcher) Validate(p Pattern) error {
	if p.Timing == nil {
		return ErrAlgorithmMissing
	}
	taps := p.Timing.Taps
	if len(taps) < MinTaps {
		return ErrPatternTooShort
	}
	if len(taps) > MaxTaps {
		return ErrPatternTooLong
	}
	if taps[len(taps)-1].OffsetMs-taps[0].OffsetMs > float64(MaxDuration.Milliseconds()) {
		return ErrPatternTooSlow
	}
	prev := math.Inf(-1)
	for _, tap := range taps {
		if tap.Pressure < 0 || tap.Pressure > 1 || tap.OffsetMs < prev || tap.HoldMs < 0 {
			return ErrInvalidTap
		}
		prev = tap.OffsetMs
	}
	return nil
}

func (timingMatcher) Match(stored, attempt Pattern) MatchOutcome {
	if stored.Timing == nil || attempt.Timing == nil {
		return MatchOutcome{}
	}
	ref := stored.Timing.Intervals()
	got := attempt.Timing.Intervals()
	if len(ref) == 0 || len(ref) != len(got) {
		return MatchOutcome{}
	}

	match := true
	totalDeviation := 0.0
	for i := range ref {
		if ref[i] <= 0 {
			return MatchOutcome{}
		}
		deviation := math.Abs(got[i]-ref[i]) / ref[i]
		totalDeviation += deviation
		if deviation > IntervalTol {
			match = false
		}
	}

	// Exact reproduction scores 1.0; an average deviation at the full
	// tolerance scores 0.5, the floor for reporting a near miss.
	mean := totalDeviation / float64(len(ref))
	confidence := 1.0 - mean*(CloseFloor/IntervalTol)
	if confidence < 0 {
		confidence = 0
	}

	return MatchOutcome{
		Match:      match,
		Confidence: confidence,
		Close:      !match && confidence > CloseFloor,
	}
}

func (timingMatcher) Quality(p Pattern) int {
	if p.Timing == nil {
		return 0
	}
	switch n := len(p.Timing.Taps); {
	case n < MinTaps:
		return 30
	case n == 4:
		return 60
	case n == 5:
		return 70
	case n == 6:
		return 80
	case n == 7:
		return 90
	default:
		return 100
	}
}

func (timingMatcher) TemplateBytes(p Pattern) ([]byte, error) {
	if p.Timing == nil {
		return nil, ErrAlgorithmMissing
	}
	return encodeIntervals("veil/pattern/timing/v1|", p.Timing.Intervals()), nil
}
