package pattern

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCaptureFinished = errors.New("capture session already finished")
	ErrCaptureEmpty    = errors.New("capture session has no taps")
)

// CaptureSession accumulates raw pointer events for one authentication
// attempt. It is a short-lived single-writer accumulator: one capture in
// flight per attempt, explicitly reset between attempts. Nothing is
// persisted until the finished pattern passes registration, so an
// abandoned capture leaves no trace.
type CaptureSession struct {
	mu        sync.Mutex
	algorithm Algorithm
	layout    *LandmarkLayout
	startedAt time.Time
	taps      []Tap
	sequence  []int
	misses    int
	finished  bool
	now       func() time.Time
}

// NewTimingCapture starts a rhythm capture.
func NewTimingCapture() *CaptureSession {
	return &CaptureSession{algorithm: AlgorithmTiming, now: time.Now}
}

// NewLandmarkCapture starts a spatial capture snapping against layout.
func NewLandmarkCapture(layout *LandmarkLayout) *CaptureSession {
	return &CaptureSession{algorithm: AlgorithmLandmark, layout: layout, now: time.Now}
}

// AddTap records one pointer event. For landmark captures the tap is
// snapped through the gravity well; the returned bool reports whether it
// landed on a landmark (a miss is discarded, not an error).
func (s *CaptureSession) AddTap(x, y, pressure, holdMs float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false, ErrCaptureFinished
	}
	now := s.now()
	if len(s.taps) == 0 && len(s.sequence) == 0 {
		s.startedAt = now
	}

	if s.algorithm == AlgorithmLandmark {
		id, hit := s.layout.Snap(x, y)
		if !hit {
			s.misses++
			return false, nil
		}
		s.sequence = append(s.sequence, id)
		return true, nil
	}

	s.taps = append(s.taps, Tap{
		OffsetMs: float64(now.Sub(s.startedAt).Milliseconds()),
		X:        x,
		Y:        y,
		Pressure: pressure,
		HoldMs:   holdMs,
	})
	return true, nil
}

// Finish validates and returns the captured pattern. The session cannot
// accept further taps afterwards.
func (s *CaptureSession) Finish() (Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return Pattern{}, ErrCaptureFinished
	}
	s.finished = true

	var p Pattern
	switch s.algorithm {
	case AlgorithmLandmark:
		if len(s.sequence) == 0 {
			return Pattern{}, ErrCaptureEmpty
		}
		p = Pattern{
			Algorithm: AlgorithmLandmark,
			Landmark:  &LandmarkPattern{Sequence: append([]int(nil), s.sequence...)},
		}
	default:
		if len(s.taps) == 0 {
			return Pattern{}, ErrCaptureEmpty
		}
		p = Pattern{
			Algorithm: AlgorithmTiming,
			Timing:    &TimingPattern{Taps: append([]Tap(nil), s.taps...)},
		}
	}

	m, _ := matcherFor(p.Algorithm)
	if err := m.Validate(p); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// Misses reports how many taps fell outside every gravity well.
func (s *CaptureSession) Misses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misses
}

// Reset clears the accumulator for a fresh attempt.
func (s *CaptureSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps = nil
	s.sequence = nil
	s.misses = 0
	s.finished = false
	s.startedAt = time.Time{}
}
