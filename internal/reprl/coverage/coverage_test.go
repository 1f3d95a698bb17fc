package coverage

import (
	"encoding/binary"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var nextTestID int64 = 2000

func newTestContext(t *testing.T, numEdges uint32) *Context {
	t.Helper()
	id := int(atomic.AddInt64(&nextTestID, 1))

	c, err := New(id)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	binary.LittleEndian.PutUint32(c.shmem[0:4], numEdges)
	_, err = c.FinishInitialization(false)
	require.NoError(t, err)
	return c
}

func setTargetBit(c *Context, idx uint32) {
	edges := c.edges()
	edges[idx/8] |= 1 << (idx % 8)
}

func TestFinishInitializationSizesBitmap(t *testing.T) {
	c := newTestContext(t, 10)
	require.Equal(t, uint32(11), c.NumEdges()) // +1 reservation
	require.Equal(t, uint32(8), c.bitmapSize)  // roundUp8(ceil(11/8)) == roundUp8(2) == 8
	require.True(t, c.NumEdgesKnown())
}

func TestFinishInitializationRejectsTooManyEdges(t *testing.T) {
	id := int(atomic.AddInt64(&nextTestID, 1))
	c, err := New(id)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	// num_edges == MaxEdges reports MaxEdges+1 after the +1 reservation,
	// which must be rejected.
	binary.LittleEndian.PutUint32(c.shmem[0:4], MaxEdges)
	_, err = c.FinishInitialization(false)
	require.ErrorIs(t, err, ErrTooManyEdges)
}

func TestFinishInitializationAcceptsBoundary(t *testing.T) {
	id := int(atomic.AddInt64(&nextTestID, 1))
	c, err := New(id)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	// num_edges == MaxEdges-1 reports exactly MaxEdges after the +1
	// reservation, which must be accepted.
	binary.LittleEndian.PutUint32(c.shmem[0:4], MaxEdges-1)
	numEdges, err := c.FinishInitialization(false)
	require.NoError(t, err)
	require.Equal(t, uint32(MaxEdges), numEdges)
}

func TestEvaluateBeforeInitReturnsError(t *testing.T) {
	id := int(atomic.AddInt64(&nextTestID, 1))
	c, err := New(id)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	_, err = c.Evaluate()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestEvaluateFindsNewEdgesOnce(t *testing.T) {
	c := newTestContext(t, 20)

	setTargetBit(c, 5)
	setTargetBit(c, 17)

	newEdges, err := c.Evaluate()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{5, 17}, newEdges)
	require.EqualValues(t, 2, c.FoundEdges())

	// A second execution hitting the same edges discovers nothing new: the
	// bits were cleared from the virgin bitmap.
	c.ClearBitmap()
	setTargetBit(c, 5)
	setTargetBit(c, 17)
	newEdges, err = c.Evaluate()
	require.NoError(t, err)
	require.Empty(t, newEdges)
	require.EqualValues(t, 2, c.FoundEdges())
}

func TestClearBitmapThenEvaluateIsEmpty(t *testing.T) {
	c := newTestContext(t, 20)
	c.ClearBitmap()
	newEdges, err := c.Evaluate()
	require.NoError(t, err)
	require.Empty(t, newEdges)
}

func TestBackupAndRestoreVirgin(t *testing.T) {
	c := newTestContext(t, 20)

	setTargetBit(c, 3)
	_, err := c.Evaluate()
	require.NoError(t, err)
	require.EqualValues(t, 1, c.FoundEdges())

	c.BackupVirgin()

	c.ClearBitmap()
	setTargetBit(c, 9)
	_, err = c.Evaluate()
	require.NoError(t, err)
	require.EqualValues(t, 2, c.FoundEdges())

	c.RestoreVirgin()
	require.EqualValues(t, 1, c.FoundEdges())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := newTestContext(t, 20)
	setTargetBit(c, 3)
	setTargetBit(c, 11)
	_, err := c.Evaluate()
	require.NoError(t, err)
	require.EqualValues(t, 2, c.FoundEdges())

	path := filepath.Join(t.TempDir(), "coverage.bin")
	savedCount, err := c.SaveVirginToFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 2, savedCount)

	other := newTestContext(t, 20)
	loadedCount, err := other.LoadVirginFromFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 2, loadedCount)
	require.Equal(t, c.virginBits, other.virginBits)

	// Loading clears the shared bitmap and re-backs-up the virgin bitmap, so
	// a subsequent evaluate against untouched shared memory finds nothing.
	newEdges, err := other.Evaluate()
	require.NoError(t, err)
	require.Empty(t, newEdges)
}

func TestLoadVirginFromFileRejectsSizeMismatch(t *testing.T) {
	small := newTestContext(t, 4)
	large := newTestContext(t, 200)

	path := filepath.Join(t.TempDir(), "coverage.bin")
	_, err := small.SaveVirginToFile(path)
	require.NoError(t, err)

	_, err = large.LoadVirginFromFile(path)
	require.Error(t, err)
}

func TestSetAndClearEdgeData(t *testing.T) {
	c := newTestContext(t, 20)

	c.SetEdgeData(4)
	require.EqualValues(t, 1, c.FoundEdges())

	c.ClearEdgeData(4)
	require.EqualValues(t, 0, c.FoundEdges())
}

func TestResetState(t *testing.T) {
	c := newTestContext(t, 20)
	setTargetBit(c, 6)
	_, err := c.Evaluate()
	require.NoError(t, err)
	require.EqualValues(t, 1, c.FoundEdges())

	c.ResetState()
	require.EqualValues(t, 0, c.FoundEdges())
}

func TestBitmapSizeAlwaysMultipleOf8(t *testing.T) {
	for _, n := range []uint32{1, 7, 8, 9, 63, 64, 65} {
		c := newTestContext(t, n)
		require.Zero(t, c.bitmapSize%8)
	}
}
