// Package mailbox implements the metadata-resistant relay client:
// time-rotated mailbox addresses, queued-message transport, and the
// decoy traffic that hides real activity inside noise.
package mailbox

import (
	"errors"
	"time"
)

// EpochDuration is the mailbox rotation period. 25 hours instead of a
// round day so the rotation boundary drifts across the clock and never
// pins itself to a user's local schedule.
const EpochDuration = 25 * time.Hour

// SkewTolerance is how far a peer's clock may drift before the two
// sides stop agreeing on a mailbox window.
const SkewTolerance = time.Hour

// genesis anchors epoch numbering. Every client and relay must use the
// same value or derived addresses will not line up.
var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// EpochManager converts wall-clock time into the coarse rotation
// buckets mailbox addresses are derived from. An epoch is identified by
// its start time in unix seconds, which is also the value carried in
// the queued-message wire format.
type EpochManager struct {
	start    time.Time
	duration time.Duration
}

// NewEpochManager returns a manager on the shared genesis and rotation
// period.
func NewEpochManager() *EpochManager {
	return &EpochManager{start: genesis, duration: EpochDuration}
}

// NewEpochManagerWithStart builds a manager with a custom genesis and
// period, for tests that need controlled rotation boundaries.
func NewEpochManagerWithStart(start time.Time, duration time.Duration) (*EpochManager, error) {
	if duration <= 0 {
		return nil, errors.New("epoch duration must be positive")
	}
	return &EpochManager{start: start, duration: duration}, nil
}

// EpochAt returns the epoch containing t, as the epoch's start time in
// unix seconds. Times before genesis all map to epoch zero.
func (em *EpochManager) EpochAt(t time.Time) int64 {
	if t.Before(em.start) {
		return em.start.Unix()
	}
	n := t.Sub(em.start) / em.duration
	return em.start.Add(n * em.duration).Unix()
}

// CurrentEpoch returns the epoch containing now.
func (em *EpochManager) CurrentEpoch() int64 {
	return em.EpochAt(time.Now())
}

// Window returns the distinct epochs covering t plus/minus the skew
// tolerance, oldest first. Near a rotation boundary this is two epochs;
// otherwise one.
func (em *EpochManager) Window(t time.Time) []int64 {
	epochs := []int64{em.EpochAt(t.Add(-SkewTolerance))}
	for _, probe := range []time.Time{t, t.Add(SkewTolerance)} {
		e := em.EpochAt(probe)
		if e != epochs[len(epochs)-1] {
			epochs = append(epochs, e)
		}
	}
	return epochs
}

// InWindow reports whether epoch is acceptable relative to now. Used by
// the relay to reject far-past and far-future records.
func (em *EpochManager) InWindow(epoch int64, now time.Time) bool {
	for _, e := range em.Window(now) {
		if e == epoch {
			return true
		}
	}
	return false
}

// NextRotation returns when the epoch containing t ends.
func (em *EpochManager) NextRotation(t time.Time) time.Time {
	current := time.Unix(em.EpochAt(t), 0).UTC()
	if t.Before(em.start) {
		return em.start
	}
	return current.Add(em.duration)
}
