package replica

import (
	"context"
	"net"
	"sort"

	log "github.com/sirupsen/logrus"

	pb "go.brokerha.dev/core/controller/controllerpb"
	"go.brokerha.dev/core/replication"
)

// maxAllowedLagBytes bounds how far a slave's reported offset may trail
// this broker's maxPhyOffset and still count as in-sync, per spec §5's
// checkSyncStateSet. It is a fixed constant rather than a config field
// because spec §6 does not name a tunable for it; the original system's
// equivalent knob governs segment-level lag, which this core's simplified
// byte-offset model doesn't have a direct analogue for.
const maxAllowedLagBytes = 4 << 20

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// ReportSlaveOffset implements replication.SlaveOffsetTracker.
func (m *Manager) ReportSlaveOffset(addr string, offset int64) {
	m.slavesMu.Lock()
	m.slaveOffsets[addr] = offset
	m.slavesMu.Unlock()
}

// Forget implements replication.SlaveOffsetTracker.
func (m *Manager) Forget(addr string) {
	m.slavesMu.Lock()
	delete(m.slaveOffsets, addr)
	m.slavesMu.Unlock()
}

// ConfirmOffset implements replication.SlaveOffsetTracker: the minimum
// reported offset over the current sync state set (spec §4.2's
// confirmOffset, which gates the consumer-visible commit point).
func (m *Manager) ConfirmOffset() int64 {
	m.mu.RLock()
	var isr = m.syncStateSet
	m.mu.RUnlock()

	m.slavesMu.Lock()
	defer m.slavesMu.Unlock()

	var min int64 = -1
	for addr := range isr {
		if addr == m.selfAddr {
			continue
		}
		var offset, ok = m.slaveOffsets[addr]
		if !ok {
			continue
		}
		if min == -1 || offset < min {
			min = offset
		}
	}
	if min == -1 {
		return m.log.MaxPhyOffset()
	}
	return min
}

// AcceptHAConnection wraps an accepted slave connection as a master-side
// replication.HAConnection and serves it until ctx is cancelled or the
// connection fails. It is meant to be called from cmd/brokerd's HA
// listener accept loop, one goroutine per connection.
func (m *Manager) AcceptHAConnection(ctx context.Context, conn net.Conn) error {
	var ha = replication.NewHAConnection(conn, m.log, m.epochs, m, replication.MasterConfig{
		HousekeepingInterval: m.cfg.HAHousekeepingInterval,
	})
	return ha.Serve(ctx)
}

// checkSyncStateSet (T3) is master-only: it compares reported slave
// offsets against this broker's maxPhyOffset and, if the set of in-sync
// replicas has changed, proposes the new set to the controller.
func (m *Manager) checkSyncStateSet(ctx context.Context) error {
	if m.Role() != RoleMaster {
		return nil
	}

	m.mu.RLock()
	var masterEpoch = m.masterEpoch
	var syncStateSetEpoch = m.syncStateSetEpoch
	var current = make([]string, 0, len(m.syncStateSet))
	for addr := range m.syncStateSet {
		current = append(current, addr)
	}
	m.mu.RUnlock()
	sort.Strings(current)

	var maxOffset = m.log.MaxPhyOffset()
	m.slavesMu.Lock()
	var candidate = map[string]struct{}{m.selfAddr: {}}
	for addr, offset := range m.slaveOffsets {
		if maxOffset-offset <= maxAllowedLagBytes {
			candidate[addr] = struct{}{}
		}
	}
	m.slavesMu.Unlock()

	var next = make([]string, 0, len(candidate))
	for addr := range candidate {
		next = append(next, addr)
	}
	sort.Strings(next)

	if equalSorted(current, next) {
		return nil
	}

	var resp, err = m.controller.AlterSyncStateSet(ctx, pb.AlterSyncStateSetRequest{
		BrokerName:        m.brokerName,
		MasterAddress:     m.selfAddr,
		MasterEpoch:       masterEpoch,
		NewSyncStateSet:   next,
		SyncStateSetEpoch: syncStateSetEpoch,
	})
	if err != nil {
		return err
	}
	if resp.ErrorCode != pb.None {
		log.WithFields(log.Fields{"broker": m.brokerName, "error": resp.ErrorCode}).
			Warn("replica: checkSyncStateSet proposal rejected")
		return nil
	}
	m.changeSyncStateSet(resp.SyncStateSet, resp.SyncStateSetEpoch)
	return nil
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// slaveNotifier adapts Manager to replication.SlaveNotifier without
// exposing Manager's full method set to the replication package.
type slaveNotifier struct{ m *Manager }

func (s slaveNotifier) OnMaxOffsetUpdated(offset int64) {
	log.WithFields(log.Fields{"broker": s.m.brokerName, "offset": offset}).Trace("replica: slave applied replicated bytes")
}
