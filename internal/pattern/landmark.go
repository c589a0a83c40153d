package pattern

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"
)

// Snap radius clamp, in normalized screen units.
const (
	MinSnapRadius = 0.04
	MaxSnapRadius = 0.18

	landmarkLayoutInfo = "veil/pattern/landmarks/v1"
	landmarkMinSpacing = 0.16
	landmarkMargin     = 0.08
)

var ErrLayoutGeneration = errors.New("landmark layout generation failed")

// Landmark is one of the eight seed-derived on-screen shapes the user
// taps during setup and unlock.
type Landmark struct {
	ID   int     `json:"id"`
	X    float64 `json:"x"` // normalized center
	Y    float64 `json:"y"`
	Size float64 `json:"size"` // normalized diameter
}

// LandmarkLayout is the generated landmark set plus the adaptive gravity
// well radius used to snap raw taps. Held in memory only for the
// duration of a setup/confirm/unlock flow.
type LandmarkLayout struct {
	Landmarks  []Landmark
	SnapRadius float64
}

// GenerateLandmarks derives the landmark layout deterministically from
// the seed, so the same user sees the same arrangement on every device
// restored from the same recovery phrase.
func GenerateLandmarks(seed []byte) (*LandmarkLayout, error) {
	stream := hkdf.New(sha256.New, seed, nil, []byte(landmarkLayoutInfo))
	landmarks := make([]Landmark, 0, LandmarkCount)

	// Rejection-sample positions from the derived stream until the eight
	// landmarks keep a minimum spacing. The stream is long enough that
	// running dry means the seed input itself is broken.
	buf := make([]byte, 3)
	for attempts := 0; len(landmarks) < LandmarkCount; attempts++ {
		if attempts > 4096 {
			return nil, ErrLayoutGeneration
		}
		if _, err := io.ReadFull(stream, buf); err != nil {
			return nil, ErrLayoutGeneration
		}
		span := 1.0 - 2*landmarkMargin
		x := landmarkMargin + span*float64(buf[0])/255.0
		y := landmarkMargin + span*float64(buf[1])/255.0
		if tooClose(landmarks, x, y) {
			continue
		}
		landmarks = append(landmarks, Landmark{
			ID:   len(landmarks),
			X:    x,
			Y:    y,
			Size: 0.08 + 0.04*float64(buf[2])/255.0,
		})
	}

	return &LandmarkLayout{
		Landmarks:  landmarks,
		SnapRadius: adaptiveSnapRadius(landmarks),
	}, nil
}

// Snap resolves a raw tap coordinate to the nearest landmark inside the
// gravity well. A tap farther than the snap radius from every landmark
// is a miss, not a wrong answer.
func (l *LandmarkLayout) Snap(x, y float64) (int, bool) {
	bestID := -1
	bestDist := math.Inf(1)
	for _, lm := range l.Landmarks {
		d := math.Hypot(x-lm.X, y-lm.Y)
		if d < bestDist {
			bestDist = d
			bestID = lm.ID
		}
	}
	if bestID < 0 || bestDist > l.SnapRadius {
		return -1, false
	}
	return bestID, true
}

// adaptiveSnapRadius sizes the gravity well at half of the average
// nearest-neighbor spacing, clamped so dense layouts stay usable and
// sparse ones do not become sloppy.
func adaptiveSnapRadius(landmarks []Landmark) float64 {
	if len(landmarks) < 2 {
		return MaxSnapRadius
	}
	total := 0.0
	for i, a := range landmarks {
		nearest := math.Inf(1)
		for j, b := range landmarks {
			if i == j {
				continue
			}
			if d := math.Hypot(a.X-b.X, a.Y-b.Y); d < nearest {
				nearest = d
			}
		}
		total += nearest
	}
	radius := 0.5 * total / float64(len(landmarks))
	if radius < MinSnapRadius {
		return MinSnapRadius
	}
	if radius > MaxSnapRadius {
		return MaxSnapRadius
	}
	return radius
}

func tooClose(landmarks []Landmark, x, y float64) bool {
	for _, lm := range landmarks {
		if math.Hypot(x-lm.X, y-lm.Y) < landmarkMinSpacing {
			return true
		}
	}
	return false
}

// landmarkMatcher matches snapped id sequences by exact equality,
// compared in constant time across the full length so the comparison
// never leaks where the first mismatch happened.
type landmarkMatcher struct{}

func (landmarkMatcher) Validate(p Pattern) error {
	if p.Landmark == nil {
		return ErrAlgorithmMissing
	}
	seq := p.Landmark.Sequence
	if len(seq) < MinSequence {
		return ErrPatternTooShort
	}
	if len(seq) > MaxSequence {
		return ErrPatternTooLong
	}
	for _, id := range seq {
		if id < 0 || id >= LandmarkCount {
			return ErrInvalidTap
		}
	}
	return nil
}

func (landmarkMatcher) Match(stored, attempt Pattern) MatchOutcome {
	if stored.Landmark == nil || attempt.Landmark == nil {
		return MatchOutcome{}
	}
	if sequenceEqualConstantTime(stored.Landmark.Sequence, attempt.Landmark.Sequence) {
		return MatchOutcome{Match: true, Confidence: 1.0}
	}
	// No partial credit and no positional hint for spatial patterns.
	return MatchOutcome{}
}

func (landmarkMatcher) Quality(p Pattern) int {
	if p.Landmark == nil {
		return 0
	}
	switch n := len(p.Landmark.Sequence); {
	case n <= 2:
		return 30
	case n == 3:
		return 60
	case n == 4:
		return 80
	default:
		return 100
	}
}

func (landmarkMatcher) TemplateBytes(p Pattern) ([]byte, error) {
	if p.Landmark == nil {
		return nil, ErrAlgorithmMissing
	}
	return encodeSequence("veil/pattern/landmark/v1|", p.Landmark.Sequence), nil
}

// sequenceEqualConstantTime compares every position regardless of early
// mismatches. On a length mismatch it still burns a full comparison of
// the stored sequence against itself before rejecting.
func sequenceEqualConstantTime(stored, attempt []int) bool {
	a := sequenceBytes(stored)
	if len(stored) != len(attempt) {
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	b := sequenceBytes(attempt)
	return subtle.ConstantTimeCompare(a, b) == 1
}

func sequenceBytes(seq []int) []byte {
	out := make([]byte, len(seq))
	for i, id := range seq {
		out[i] = byte(id)
	}
	return out
}
