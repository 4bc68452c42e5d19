package replication

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.brokerha.dev/core/commitlog"
	"go.brokerha.dev/core/epoch"
)

type fakeTracker struct {
	offsets map[string]int64
}

func newFakeTracker() *fakeTracker { return &fakeTracker{offsets: map[string]int64{}} }

func (t *fakeTracker) ReportSlaveOffset(addr string, offset int64) { t.offsets[addr] = offset }
func (t *fakeTracker) Forget(addr string)                          { delete(t.offsets, addr) }
func (t *fakeTracker) ConfirmOffset() int64 {
	var min int64 = -1
	for _, v := range t.offsets {
		if min == -1 || v < min {
			min = v
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// newCache builds a Cache whose store is pre-seeded with seed (simulating
// history persisted before this test began), with endOffset as the
// owning commit log's current max offset. Seeding the store directly
// (rather than via Cache.Append) avoids Append's live-epoch-bump
// semantics, which would otherwise clobber endOffset back to the last
// seed entry's own StartOffset.
func newCache(t *testing.T, endOffset int64, seed ...epoch.Entry) *epoch.Cache {
	t.Helper()
	var store = epoch.NewMemStore()
	for _, e := range seed {
		require.NoError(t, store.Append(e))
	}
	var c, err = epoch.Open(store, endOffset)
	require.NoError(t, err)
	return c
}

// TestHandshakeThenTransferReplicatesBytes drives a full master/slave pair
// over an in-memory pipe: the slave connects with an empty log, the master
// has pre-existing data, and the slave must catch up byte for byte.
func TestHandshakeThenTransferReplicatesBytes(t *testing.T) {
	var masterLog = commitlog.NewInMemory(nil)
	require.True(t, masterLog.AppendToCommitLog(0, []byte("hello ")))
	require.True(t, masterLog.AppendToCommitLog(6, []byte("world")))
	var masterEpochs = newCache(t, masterLog.MaxPhyOffset(), epoch.Entry{Epoch: 1, StartOffset: 0})

	var slaveLog = commitlog.NewInMemory(nil)
	var slaveEpochs = newCache(t, 0)

	var serverConn, clientConn = net.Pipe()
	var tracker = newFakeTracker()
	var ha = NewHAConnection(serverConn, masterLog, masterEpochs, tracker, MasterConfig{HousekeepingInterval: time.Hour})

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go ha.Serve(ctx)

	var client = NewHAClient(slaveLog, slaveEpochs, nil, func(ctx context.Context, addr string) (net.Conn, error) {
		return clientConn, nil
	}, "ignored", SlaveConfig{
		HeartbeatInterval:    50 * time.Millisecond,
		HousekeepingInterval: time.Hour,
		HandshakeTimeout:     time.Second,
		ReadyRetryInterval:   10 * time.Millisecond,
	})

	var runCtx, runCancel = context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer runCancel()
	client.Run(runCtx)

	require.Equal(t, masterLog.MaxPhyOffset(), slaveLog.MaxPhyOffset())
	require.Equal(t, []byte("hello world"), slaveLog.GetMessage(0, int32(slaveLog.MaxPhyOffset())))
}

// TestHandshakeTruncatesDivergentSlaveTail covers spec scenario 4 at the
// wire-protocol level: the slave has extra bytes the master never
// committed, tagged under the slave's own (stale) epoch 2, and must
// truncate them during handshake before transfer begins.
func TestHandshakeTruncatesDivergentSlaveTail(t *testing.T) {
	var masterLog = commitlog.NewInMemory(nil)
	require.True(t, masterLog.AppendToCommitLog(0, []byte("AAAA")))
	var masterEpochs = newCache(t, masterLog.MaxPhyOffset(), epoch.Entry{Epoch: 1, StartOffset: 0})

	var slaveLog = commitlog.NewInMemory(nil)
	require.True(t, slaveLog.AppendToCommitLog(0, []byte("AAAA")))
	require.True(t, slaveLog.AppendToCommitLog(4, []byte("ZZZZ"))) // divergent, uncommitted on master
	var slaveEpochs = newCache(t, slaveLog.MaxPhyOffset(),
		epoch.Entry{Epoch: 1, StartOffset: 0},
		epoch.Entry{Epoch: 2, StartOffset: 4}, // slave's own stale epoch bump
	)

	var serverConn, clientConn = net.Pipe()
	var tracker = newFakeTracker()
	var ha = NewHAConnection(serverConn, masterLog, masterEpochs, tracker, MasterConfig{HousekeepingInterval: time.Hour})

	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ha.Serve(ctx)

	var client = NewHAClient(slaveLog, slaveEpochs, nil, func(ctx context.Context, addr string) (net.Conn, error) {
		return clientConn, nil
	}, "ignored", SlaveConfig{
		HeartbeatInterval:    50 * time.Millisecond,
		HousekeepingInterval: time.Hour,
		HandshakeTimeout:     time.Second,
		ReadyRetryInterval:   10 * time.Millisecond,
	})

	var runCtx, runCancel = context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer runCancel()
	client.Run(runCtx)

	require.Equal(t, "AAAA", string(slaveLog.GetMessage(0, 4)))
	require.Equal(t, int64(4), slaveLog.MaxPhyOffset())
}

func TestTransferHeaderRoundTrip(t *testing.T) {
	var buf = &fakeBuf{}
	var hdr = TransferHeader{State: TransferReportOffset, Offset: 1234567}
	_, err := hdr.WriteTo(buf)
	require.NoError(t, err)
	var got, err2 = ReadTransferHeader(buf)
	require.NoError(t, err2)
	require.Equal(t, hdr, got)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	var buf = &fakeBuf{}
	var hdr = DataHeader{MasterState: MasterStateData, BodySize: 42, MasterOffset: 99, MasterEpoch: 3, ConfirmOffset: 80}
	_, err := hdr.WriteTo(buf)
	require.NoError(t, err)
	var got, err2 = ReadDataHeader(buf)
	require.NoError(t, err2)
	require.Equal(t, hdr, got)
}

type fakeBuf struct{ b []byte }

func (f *fakeBuf) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}

func (f *fakeBuf) Read(p []byte) (int, error) {
	var n = copy(p, f.b)
	f.b = f.b[n:]
	return n, nil
}
