package pattern

import "testing"

func timingFromIntervals(intervals []float64) Pattern {
	taps := make([]Tap, 0, len(intervals)+1)
	offset := 0.0
	taps = append(taps, Tap{OffsetMs: 0, Pressure: 0.5})
	for _, iv := range intervals {
		offset += iv
		taps = append(taps, Tap{OffsetMs: offset, Pressure: 0.5})
	}
	return Pattern{Algorithm: AlgorithmTiming, Timing: &TimingPattern{Taps: taps}}
}

func TestTimingMatchWithinTolerance(t *testing.T) {
	stored := timingFromIntervals([]float64{200, 300, 200, 400, 250})
	attempt := timingFromIntervals([]float64{210, 285, 205, 390, 245})

	out := timingMatcher{}.Match(stored, attempt)
	if !out.Match {
		t.Fatal("attempt within ±25% of every interval must match")
	}
	if out.Confidence <= 0.5 || out.Confidence > 1.0 {
		t.Fatalf("unexpected confidence for near-exact attempt: %f", out.Confidence)
	}
}

func TestTimingMismatchOutsideTolerance(t *testing.T) {
	stored := timingFromIntervals([]float64{200, 300, 200, 400, 250})
	attempt := timingFromIntervals([]float64{500, 100, 500, 100, 300})

	out := timingMatcher{}.Match(stored, attempt)
	if out.Match {
		t.Fatal("attempt far outside tolerance must not match")
	}
}

func TestTimingExactEqualityIsIdeal(t *testing.T) {
	p := timingFromIntervals([]float64{250, 250, 250, 250})
	out := timingMatcher{}.Match(p, p)
	if !out.Match || out.Confidence != 1.0 {
		t.Fatalf("exact reproduction must score 1.0, got match=%v confidence=%f", out.Match, out.Confidence)
	}
}

func TestTimingCloseMissReported(t *testing.T) {
	stored := timingFromIntervals([]float64{200, 200, 200, 200})
	// One interval 35% off, the rest exact: a miss, but close.
	attempt := timingFromIntervals([]float64{200, 270, 200, 200})

	out := timingMatcher{}.Match(stored, attempt)
	if out.Match {
		t.Fatal("35%% deviation must not match")
	}
	if !out.Close {
		t.Fatalf("near miss should be reported as close, confidence=%f", out.Confidence)
	}
}

func TestTimingLengthMismatchNeverMatches(t *testing.T) {
	stored := timingFromIntervals([]float64{200, 300, 200, 400})
	attempt := timingFromIntervals([]float64{200, 300, 200})
	if out := (timingMatcher{}).Match(stored, attempt); out.Match {
		t.Fatal("different tap counts must not match")
	}
}

func TestTimingValidate(t *testing.T) {
	if err := (timingMatcher{}).Validate(timingFromIntervals([]float64{200, 300})); err != ErrPatternTooShort {
		t.Fatalf("expected ErrPatternTooShort, got %v", err)
	}
	long := timingFromIntervals([]float64{100, 100, 100, 100, 100, 100, 100, 100, 100})
	if err := (timingMatcher{}).Validate(long); err != ErrPatternTooLong {
		t.Fatalf("expected ErrPatternTooLong, got %v", err)
	}
	slow := timingFromIntervals([]float64{4000, 4000, 4000})
	if err := (timingMatcher{}).Validate(slow); err != ErrPatternTooSlow {
		t.Fatalf("expected ErrPatternTooSlow, got %v", err)
	}
	bad := timingFromIntervals([]float64{200, 200, 200, 200})
	bad.Timing.Taps[1].Pressure = 1.5
	if err := (timingMatcher{}).Validate(bad); err != ErrInvalidTap {
		t.Fatalf("expected ErrInvalidTap, got %v", err)
	}
}

func TestTimingTemplateBytesDeterministic(t *testing.T) {
	p := timingFromIntervals([]float64{200, 300, 200, 400})
	a, err := timingMatcher{}.TemplateBytes(p)
	if err != nil {
		t.Fatalf("template bytes failed: %v", err)
	}
	b, err := timingMatcher{}.TemplateBytes(p)
	if err != nil {
		t.Fatalf("template bytes failed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("canonical template encoding must be deterministic")
	}
}
