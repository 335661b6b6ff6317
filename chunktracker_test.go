package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func smallLengths(t *testing.T) Lengths {
	t.Helper()
	l, err := NewLengths(40, 16, 16)
	require.NoError(t, err)
	return l
}

func TestChunkTrackerInitialStateAllNeeded(t *testing.T) {
	l := smallLengths(t)
	ct := NewChunkTracker(l)
	require.Equal(t, l.NumPieces(), ct.NumNeeded())
	require.False(t, ct.Have(0))
}

func TestChunkTrackerAcquireThenRelease(t *testing.T) {
	ct := NewChunkTracker(smallLengths(t))
	require.True(t, ct.Acquirable(0, 0))
	require.True(t, ct.Acquire(0, 0))
	require.False(t, ct.Acquirable(0, 0))

	ct.Release(0, 0)
	require.True(t, ct.Acquirable(0, 0))
}

func TestChunkTrackerMarkHaveClearsInflight(t *testing.T) {
	ct := NewChunkTracker(smallLengths(t))
	require.True(t, ct.Acquire(0, 0))
	ct.MarkHave(0)
	require.True(t, ct.Have(0))
	require.Equal(t, ct.lengths.NumPieces()-1, ct.NumNeeded())
	require.False(t, ct.Acquirable(0, 0)) // no longer needed
}

func TestChunkTrackerAtMostOneWriter(t *testing.T) {
	ct := NewChunkTracker(smallLengths(t))
	require.True(t, ct.TryBeginWrite(0))
	require.False(t, ct.TryBeginWrite(0))
	ct.EndWrite(0)
	require.True(t, ct.TryBeginWrite(0))
}

func TestChunkTrackerRedundantAcquireDuringEndgame(t *testing.T) {
	ct := NewChunkTracker(smallLengths(t))
	require.True(t, ct.Acquire(0, 0))
	require.False(t, ct.Acquirable(0, 0))
	require.True(t, ct.AcquireRedundant(0, 0))
	require.Equal(t, 1, ct.NumInflightChunks())
}

func TestChunkTrackerContributors(t *testing.T) {
	ct := NewChunkTracker(smallLengths(t))
	ct.RecordContributor(0, "peer-a")
	ct.RecordContributor(0, "peer-b")
	ct.RecordContributor(0, "peer-a")
	require.ElementsMatch(t, []string{"peer-a", "peer-b"}, ct.Contributors(0))

	ct.ReleaseAllForPiece(0)
	require.Empty(t, ct.Contributors(0))
}

func TestChunkTrackerSelectFiles(t *testing.T) {
	l := smallLengths(t)
	ct := NewChunkTracker(l)
	files, err := BuildFileInfos(l, []string{"a", "b"}, []int64{16, 24})
	require.NoError(t, err)
	ct.SelectFiles(files[:1]) // only "a", piece 0
	needed := ct.NeededPieces()
	require.Equal(t, []int{0}, needed)
}
