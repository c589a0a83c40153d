package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEpochDeterministicWithinBucket(t *testing.T) {
	em := NewEpochManager()
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	e1 := em.EpochAt(base)
	e2 := em.EpochAt(base.Add(10 * time.Minute))
	require.Equal(t, e1, e2, "times inside one rotation period share an epoch")

	e3 := em.EpochAt(base.Add(EpochDuration))
	require.NotEqual(t, e1, e3, "a full rotation period later must be a new epoch")
	require.Equal(t, e1+int64(EpochDuration.Seconds()), e3)
}

func TestEpochBeforeGenesisClampsToZero(t *testing.T) {
	em := NewEpochManager()
	old := genesis.Add(-48 * time.Hour)
	require.Equal(t, genesis.Unix(), em.EpochAt(old))
}

func TestWindowStraddlesRotationBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	em, err := NewEpochManagerWithStart(start, EpochDuration)
	require.NoError(t, err)

	mid := start.Add(12 * time.Hour)
	require.Len(t, em.Window(mid), 1, "mid-epoch window is a single epoch")

	justAfter := start.Add(EpochDuration + 10*time.Minute)
	win := em.Window(justAfter)
	require.Len(t, win, 2, "window just after rotation includes the previous epoch")
	require.Equal(t, start.Unix(), win[0])

	justBefore := start.Add(EpochDuration - 10*time.Minute)
	win = em.Window(justBefore)
	require.Len(t, win, 2, "window just before rotation includes the next epoch")
	require.Equal(t, start.Unix(), win[0])
}

func TestInWindowRejectsFarEpochs(t *testing.T) {
	em := NewEpochManager()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	current := em.EpochAt(now)

	require.True(t, em.InWindow(current, now))
	require.False(t, em.InWindow(current-int64((3*EpochDuration).Seconds()), now), "far past rejected")
	require.False(t, em.InWindow(current+int64((3*EpochDuration).Seconds()), now), "far future rejected")
}

func TestNextRotation(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	em, err := NewEpochManagerWithStart(start, EpochDuration)
	require.NoError(t, err)

	at := start.Add(3 * time.Hour)
	require.Equal(t, start.Add(EpochDuration), em.NextRotation(at))
	require.Equal(t, start, em.NextRotation(start.Add(-time.Hour)))
}

func TestNewEpochManagerWithStartValidates(t *testing.T) {
	_, err := NewEpochManagerWithStart(time.Now(), 0)
	require.Error(t, err)
}
