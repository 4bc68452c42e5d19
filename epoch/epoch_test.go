package epoch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendOrderingInvariants(t *testing.T) {
	var c, err = Open(NewMemStore(), 0)
	require.NoError(t, err)

	require.NoError(t, c.Append(1, 0))
	c.SetLastEntryEndOffset(1570)
	require.NoError(t, c.Append(2, 1570))
	c.SetLastEntryEndOffset(3140)

	require.Error(t, c.Append(2, 5000), "epoch must strictly increase")
	require.Error(t, c.Append(3, 100), "startOffset must not precede current end")

	var last, ok = c.LastEntry()
	require.True(t, ok)
	require.Equal(t, Entry{Epoch: 2, StartOffset: 1570}, last)
}

func TestFindByEpochAndEndOffset(t *testing.T) {
	var c, _ = Open(NewMemStore(), 0)
	require.NoError(t, c.Append(1, 0))
	c.SetLastEntryEndOffset(1570)
	require.NoError(t, c.Append(2, 1570))
	c.SetLastEntryEndOffset(3140)

	var e, err = c.FindByEpoch(1)
	require.NoError(t, err)
	require.Equal(t, int64(0), e.StartOffset)

	var end, err2 = c.EndOffset(1)
	require.NoError(t, err2)
	require.Equal(t, int64(1570), end)

	end, err2 = c.EndOffset(2)
	require.NoError(t, err2)
	require.Equal(t, int64(3140), end)

	_, err = c.FindByEpoch(9)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestHandshakeNoTruncationNeeded mirrors spec scenario 3: a slave whose
// log exactly matches the master's first epoch finds the consistent point
// at its own end offset and truncates nothing.
func TestHandshakeNoTruncationNeeded(t *testing.T) {
	var master, _ = Open(NewMemStore(), 0)
	require.NoError(t, master.Append(1, 0))
	master.SetLastEntryEndOffset(1570)
	require.NoError(t, master.Append(2, 1570))
	master.SetLastEntryEndOffset(3140)

	var slave, _ = Open(NewMemStore(), 0)
	require.NoError(t, slave.Append(1, 0))
	slave.SetLastEntryEndOffset(1570)

	var p = FindConsistentPoint(slave, master, master.LastEntryEndOffset())
	require.Equal(t, int64(1570), p)
	require.NoError(t, slave.TruncateSuffixFromOffset(p))

	var last, _ = slave.LastEntry()
	require.Equal(t, uint32(1), last.Epoch)
}

// TestDivergentSlaveTruncatesToOlderSharedEpoch mirrors spec scenario 4: a
// slave reconnecting to a newly elected master whose history diverged at
// epoch 2 truncates back to the end of the last epoch they still agree on.
func TestDivergentSlaveTruncatesToOlderSharedEpoch(t *testing.T) {
	var newMaster, _ = Open(NewMemStore(), 0)
	require.NoError(t, newMaster.Append(1, 0))
	newMaster.SetLastEntryEndOffset(1570)
	require.NoError(t, newMaster.Append(3, 1570))
	newMaster.SetLastEntryEndOffset(4000)

	var oldSlave, _ = Open(NewMemStore(), 0)
	require.NoError(t, oldSlave.Append(1, 0))
	oldSlave.SetLastEntryEndOffset(1570)
	require.NoError(t, oldSlave.Append(2, 1570))
	oldSlave.SetLastEntryEndOffset(3140)

	var p = FindConsistentPoint(oldSlave, newMaster, newMaster.LastEntryEndOffset())
	require.Equal(t, int64(1570), p)

	require.NoError(t, oldSlave.TruncateSuffixFromOffset(p))
	var last, _ = oldSlave.LastEntry()
	require.Equal(t, uint32(1), last.Epoch, "epoch-2 suffix must be discarded")
	require.Equal(t, int64(1570), oldSlave.LastEntryEndOffset())
}

func TestFindConsistentPointNoSharedHistory(t *testing.T) {
	var a, _ = Open(NewMemStore(), 0)
	require.NoError(t, a.Append(5, 0))
	a.SetLastEntryEndOffset(100)

	var b, _ = Open(NewMemStore(), 0)
	require.NoError(t, b.Append(9, 0))
	b.SetLastEntryEndOffset(100)

	require.Equal(t, int64(-1), FindConsistentPoint(a, b, b.LastEntryEndOffset()))
}

// TestTruncationIsIdempotent covers P5: applying the same truncation twice
// is a no-op.
func TestTruncationIsIdempotent(t *testing.T) {
	var c, _ = Open(NewMemStore(), 0)
	require.NoError(t, c.Append(1, 0))
	c.SetLastEntryEndOffset(1570)
	require.NoError(t, c.Append(2, 1570))
	c.SetLastEntryEndOffset(3140)

	require.NoError(t, c.TruncateSuffixFromOffset(1570))
	var first = c.Entries()

	require.NoError(t, c.TruncateSuffixFromOffset(1570))
	var second = c.Entries()

	require.Equal(t, first, second)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "epoch.log")

	var store, err = OpenFileStore(path)
	require.NoError(t, err)

	var c, _ = Open(store, 0)
	require.NoError(t, c.Append(1, 0))
	c.SetLastEntryEndOffset(1570)
	require.NoError(t, c.Append(2, 1570))
	require.NoError(t, store.Close())

	var reopened, err2 = OpenFileStore(path)
	require.NoError(t, err2)
	defer reopened.Close()

	var c2, err3 = Open(reopened, 3140)
	require.NoError(t, err3)
	require.Equal(t, []Entry{{Epoch: 1, StartOffset: 0}, {Epoch: 2, StartOffset: 1570}}, c2.Entries())
}
