package replication

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.brokerha.dev/core/epoch"
	"go.brokerha.dev/core/haspi"
)

// SlaveNotifier is the narrow capability a slave-side HAClient uses to
// report progress upward without holding a back-pointer into the owning
// ReplicaStateManager (spec §9's cyclic-reference design note).
type SlaveNotifier interface {
	// OnMaxOffsetUpdated is called whenever the local commit log's max
	// offset advances due to a replicated append.
	OnMaxOffsetUpdated(offset int64)
}

// SlaveConfig parametrizes an HAClient.
type SlaveConfig struct {
	HeartbeatInterval    time.Duration
	HousekeepingInterval time.Duration
	HandshakeTimeout     time.Duration
	ReadyRetryInterval   time.Duration
}

// DefaultSlaveConfig returns the interval defaults named in spec §5.
func DefaultSlaveConfig() SlaveConfig {
	return SlaveConfig{
		HeartbeatInterval:    5 * time.Second,
		HousekeepingInterval: 20 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		ReadyRetryInterval:   5 * time.Second,
	}
}

// Dialer opens a connection to a master's HA address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// HAClient is the slave-side endpoint of the HA connection: READY (dial)
// → HANDSHAKE (reconcile epoch history, truncate divergent tail) →
// TRANSFER (apply streamed appends), per spec §4.2.
type HAClient struct {
	localLog haspi.CommitLog
	epochs   *epoch.Cache
	notifier SlaveNotifier
	dial     Dialer
	cfg      SlaveConfig

	mu         sync.Mutex
	masterAddr string

	status *connStatus
	conn   net.Conn
}

// NewHAClient constructs an HAClient targeting masterHaAddr.
func NewHAClient(localLog haspi.CommitLog, epochs *epoch.Cache, notifier SlaveNotifier, dial Dialer, masterHaAddr string, cfg SlaveConfig) *HAClient {
	return &HAClient{
		localLog:   localLog,
		epochs:     epochs,
		notifier:   notifier,
		dial:       dial,
		cfg:        cfg,
		masterAddr: masterHaAddr,
		status:     newConnStatus(),
	}
}

// State returns the client's current lifecycle state.
func (h *HAClient) State() ConnState { return h.status.State() }

// SetMasterAddress retargets the client to a new master HA address; the
// change takes effect the next time the client re-enters READY (e.g.
// after the current connection is closed). This is the "address setter"
// capability spec §9 describes the manager handing to the endpoint.
func (h *HAClient) SetMasterAddress(addr string) {
	h.mu.Lock()
	h.masterAddr = addr
	h.mu.Unlock()
}

func (h *HAClient) targetAddress() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.masterAddr
}

// Run drives the client until ctx is cancelled, reconnecting and
// re-handshaking as needed. It returns only when ctx is cancelled, and then
// returns ctx.Err(); any other terminal condition is retried internally
// per spec §4.2/§7.
func (h *HAClient) Run(ctx context.Context) error {
	defer h.status.setState(StateShutdown)

	for ctx.Err() == nil {
		h.status.setState(StateReady)
		var conn, err = h.dial(ctx, h.targetAddress())
		if err != nil {
			addTrace("slave: dial %s failed: %v", h.targetAddress(), err)
			if !sleepCtx(ctx, h.cfg.ReadyRetryInterval) {
				return ctx.Err()
			}
			continue
		}
		h.conn = conn
		h.status.setState(StateHandshake)

		if err := h.handshake(conn); err != nil {
			addTrace("slave: handshake failed: %v", err)
			conn.Close()
			if !sleepCtx(ctx, h.cfg.ReadyRetryInterval) {
				return ctx.Err()
			}
			continue
		}

		var transferErr = h.transfer(ctx, conn)
		conn.Close()
		if transferErr != nil {
			addTrace("slave: transfer ended: %v", transferErr)
		}
		// Loop back to READY regardless of why TRANSFER ended, per spec's
		// "close + wait, -> READY" contract; ctx cancellation is the only
		// terminal exit.
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	var t = time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handshake implements spec §4.2's doTruncate: it sends the initial
// handshake request, reads the master's epoch list and maxOffset, finds
// the consistent point against the local epoch cache, truncates any
// divergent local tail, and reports the resulting offset.
func (h *HAClient) handshake(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := (TransferHeader{State: TransferHandshake, Offset: 0}).WriteTo(conn); err != nil {
		return errors.Wrap(err, "sending handshake request")
	}

	var dh, err = ReadDataHeader(conn)
	if err != nil {
		return errors.Wrap(err, "reading handshake reply header")
	}
	if dh.MasterState != MasterStateHandshake {
		return errors.Errorf("expected handshake reply, got master state %d", dh.MasterState)
	}
	var body = make([]byte, dh.BodySize)
	if _, err := io.ReadFull(conn, body); err != nil {
		return errors.Wrap(err, "reading handshake reply body")
	}
	h.status.markRead()

	var masterEntries, err2 = decodeEpochEntries(body)
	if err2 != nil {
		return err2
	}
	var remote, _ = epoch.Open(epoch.NewMemStore(), dh.MasterOffset)
	for _, e := range masterEntries {
		if err := remote.Append(e.Epoch, e.StartOffset); err != nil {
			return errors.Wrap(err, "building remote epoch view")
		}
	}
	// Append resets lastEndOffset to each entry's own startOffset (correct
	// for live epoch bumps, where nothing is written yet); restore it to
	// the master's reported maxOffset now that the full list is loaded.
	remote.SetLastEntryEndOffset(dh.MasterOffset)

	var p = epoch.FindConsistentPoint(h.epochs, remote, dh.MasterOffset)
	if p < 0 {
		p = 0
	}
	if !h.localLog.TruncateFiles(p) {
		return errors.Errorf("storage truncateFiles(%d) failed", p)
	}
	if err := h.epochs.TruncateSuffixFromOffset(p); err != nil {
		return errors.Wrap(err, "truncating local epoch cache")
	}

	if _, err := (TransferHeader{State: TransferReportOffset, Offset: p}).WriteTo(conn); err != nil {
		return errors.Wrap(err, "reporting post-handshake offset")
	}
	h.status.markWrite()
	h.status.setReportedOffset(p)
	h.status.setState(StateTransfer)
	return nil
}

// transfer implements spec §4.2's TRANSFER state: periodic heartbeats,
// ordered contiguous appends, epoch-cache updates on epoch change, and
// confirm-offset tracking.
func (h *HAClient) transfer(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatInterval))
		var dh, err = ReadDataHeader(conn)
		if err != nil {
			if isTimeout(err) {
				if h.status.sinceLastRead() > h.cfg.HousekeepingInterval {
					return errors.New("slave: housekeeping timeout, no data from master")
				}
				if _, werr := (TransferHeader{State: TransferReportOffset, Offset: h.status.ReportedOffset()}).WriteTo(conn); werr != nil {
					return errors.Wrap(werr, "sending heartbeat")
				}
				h.status.markWrite()
				continue
			}
			return errors.Wrap(err, "reading data header")
		}
		h.status.markRead()

		if dh.MasterState == MasterStateReset {
			return errors.New("slave: master requested handshake restart")
		}

		var body = make([]byte, dh.BodySize)
		if dh.BodySize > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return errors.Wrap(err, "reading data body")
			}
		}

		var localOffset = h.localLog.MaxPhyOffset()
		if localOffset != dh.MasterOffset {
			return errors.Errorf("slave: offset mismatch, local %d != master %d; aborting connection", localOffset, dh.MasterOffset)
		}

		if len(body) > 0 && !h.localLog.AppendToCommitLog(dh.MasterOffset, body) {
			return errors.Errorf("slave: append at offset %d failed", dh.MasterOffset)
		}

		if last, ok := h.epochs.LastEntry(); !ok || dh.MasterEpoch != last.Epoch {
			if err := h.epochs.Append(dh.MasterEpoch, dh.MasterOffset); err != nil {
				return errors.Wrap(err, "recording new epoch")
			}
		}
		var newMax = h.localLog.MaxPhyOffset()
		h.epochs.SetLastEntryEndOffset(newMax)

		var confirm = dh.ConfirmOffset
		if newMax < confirm {
			confirm = newMax
		}
		h.status.setConfirmOffset(confirm)
		h.status.setReportedOffset(newMax)
		h.status.setReceivedEpoch(dh.MasterEpoch)
		if h.notifier != nil {
			h.notifier.OnMaxOffsetUpdated(newMax)
		}

		if _, err := (TransferHeader{State: TransferReportOffset, Offset: newMax}).WriteTo(conn); err != nil {
			return errors.Wrap(err, "reporting offset")
		}
		h.status.markWrite()
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
