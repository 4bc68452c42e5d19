// Package replica implements the per-broker replica state machine of
// spec §5: role (MASTER/SLAVE) and epoch tracking driven by three
// periodic tasks (syncControllerMetadata, syncBrokerMetadata,
// checkSyncStateSet), plus the transition contracts a controller-driven
// role change invokes (changeToMaster, changeToSlave, changeSyncStateSet).
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.brokerha.dev/core/config"
	"go.brokerha.dev/core/epoch"
	"go.brokerha.dev/core/haspi"
	pb "go.brokerha.dev/core/controller/controllerpb"
	"go.brokerha.dev/core/replication"
)

// Role is this broker's current replication role for the replica set it
// belongs to.
type Role string

const (
	RoleSlave  Role = "SLAVE"
	RoleMaster Role = "MASTER"
)

// ControllerClient is the subset of controllerrpc.Client the manager
// depends on; satisfied structurally so tests can substitute a fake
// without a network round trip.
type ControllerClient interface {
	RegisterBroker(ctx context.Context, req pb.RegisterBrokerRequest) (pb.RegisterBrokerResponse, error)
	GetReplicaInfo(ctx context.Context, req pb.GetReplicaInfoRequest) (pb.GetReplicaInfoResponse, error)
	AlterSyncStateSet(ctx context.Context, req pb.AlterSyncStateSetRequest) (pb.AlterSyncStateSetResponse, error)
}

// RoleObserver lets the owning process react to role changes (e.g. to
// flip a journal between accepting local writes and rejecting them).
type RoleObserver interface {
	OnRoleChanged(role Role, masterAddress string, masterEpoch uint32)
}

// Manager is the per-broker replica state machine of spec §5. One Manager
// exists per local broker; it owns that broker's epoch cache and commit
// log reference, drives role transitions, and hosts either a
// replication.HAClient (as SLAVE) or a set of replication.HAConnection
// (as MASTER).
type Manager struct {
	clusterName string
	brokerName  string
	selfAddr    string
	selfHaAddr  string

	cfg         config.Config
	log         haspi.CommitLog
	epochs      *epoch.Cache
	controller  ControllerClient
	observer    RoleObserver
	nameService haspi.NameService

	// runCtx is the context passed to Start, used to scope the lifetime of
	// background work (the slave-side HAClient) started by a role change
	// to the manager's own lifetime rather than leaking goroutines past
	// shutdown. It is nil until Start is first called.
	runCtx context.Context

	mu                sync.RWMutex
	role              Role
	brokerId          int64
	masterAddress     string
	masterEpoch       uint32
	syncStateSet      map[string]struct{}
	syncStateSetEpoch uint32

	slavesMu     sync.Mutex
	slaveOffsets map[string]int64

	clientMu sync.Mutex
	client   *replication.HAClient
}

// NewManager constructs a Manager in the SLAVE role with no known master,
// matching a freshly started broker that has not yet heard from the
// controller (spec §5's startup sequence). nameService may be nil, in
// which case changeToMaster's re-registration step is skipped; spec §1
// treats the name service as an out-of-scope external collaborator.
func NewManager(clusterName, brokerName, selfAddr, selfHaAddr string, cfg config.Config, commitLog haspi.CommitLog, epochs *epoch.Cache, controller ControllerClient, observer RoleObserver, nameService haspi.NameService) *Manager {
	return &Manager{
		clusterName:  clusterName,
		brokerName:   brokerName,
		selfAddr:     selfAddr,
		selfHaAddr:   selfHaAddr,
		cfg:          cfg,
		log:          commitLog,
		epochs:       epochs,
		controller:   controller,
		observer:     observer,
		nameService:  nameService,
		role:         RoleSlave,
		syncStateSet: make(map[string]struct{}),
		slaveOffsets: make(map[string]int64),
	}
}

// Role returns the broker's current role.
func (m *Manager) Role() Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// MasterEpoch returns the locally tracked master epoch.
func (m *Manager) MasterEpoch() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masterEpoch
}

// MasterAddress returns the locally tracked master address, which may be
// empty if the replica set currently has no master (spec scenario 2).
func (m *Manager) MasterAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masterAddress
}

// Start registers with the controller and runs the three periodic tasks
// until ctx is cancelled. It returns the first task's terminal error, or
// nil on clean cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	var regResp, err = m.controller.RegisterBroker(ctx, pb.RegisterBrokerRequest{
		ClusterName:     m.clusterName,
		BrokerName:      m.brokerName,
		BrokerAddress:   m.selfAddr,
		BrokerHaAddress: m.selfHaAddr,
	})
	if err != nil {
		return errors.Wrap(err, "replica: initial registerBroker failed")
	}
	m.mu.Lock()
	m.brokerId = regResp.BrokerId
	m.mu.Unlock()
	m.applyBrokerMetadata(regResp.MasterAddress, regResp.MasterEpoch, nil, regResp.SyncStateSetEpoch)

	var group, gctx = errgroup.WithContext(ctx)
	group.Go(func() error { return m.runPeriodic(gctx, m.cfg.SyncBrokerMetadataPeriod, m.syncBrokerMetadata) })
	group.Go(func() error { return m.runPeriodic(gctx, m.cfg.CheckSyncStateSetPeriod, m.checkSyncStateSet) })
	group.Go(func() error { return m.runPeriodic(gctx, m.cfg.SyncControllerMetadataPeriod, m.syncControllerMetadata) })
	return group.Wait()
}

func (m *Manager) runPeriodic(ctx context.Context, period time.Duration, task func(ctx context.Context) error) error {
	if period <= 0 {
		period = time.Second
	}
	var ticker = time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := task(ctx); err != nil {
				log.WithError(err).WithField("broker", m.brokerName).Warn("replica: periodic task failed, will retry")
			}
		}
	}
}

// syncControllerMetadata (T1) is a placeholder hook for controller-leader
// rediscovery; the default ControllerClient is assumed pre-resolved to
// the current leader by the caller (e.g. via discovery.LeaderWatcher),
// so there is nothing to reconcile here beyond giving operators a
// periodic liveness signal.
func (m *Manager) syncControllerMetadata(_ context.Context) error {
	log.WithField("broker", m.brokerName).Debug("replica: syncControllerMetadata tick")
	return nil
}

// syncBrokerMetadata (T2) polls the controller's view of this broker's
// replica set and applies any role/epoch change it observes. Per spec
// §5's T2, a reported brokerId ≤ 0 for a foreign master means the
// controller doesn't know this replica under that master's term — treat
// it as "rejoin required" and re-invoke registerBroker rather than
// adopting the slave role blind.
func (m *Manager) syncBrokerMetadata(ctx context.Context) error {
	var resp, err = m.controller.GetReplicaInfo(ctx, pb.GetReplicaInfoRequest{BrokerName: m.brokerName, BrokerAddress: m.selfAddr})
	if err != nil {
		return errors.Wrap(err, "syncBrokerMetadata")
	}
	if resp.ErrorCode != pb.None {
		return errors.Errorf("syncBrokerMetadata: controller returned %s", resp.ErrorCode)
	}

	m.mu.RLock()
	var localMaster, localEpoch = m.masterAddress, m.masterEpoch
	m.mu.RUnlock()

	if resp.MasterAddress != "" && resp.MasterAddress != localMaster && resp.MasterEpoch > localEpoch &&
		resp.MasterAddress != m.selfAddr && resp.BrokerId <= 0 {
		var regResp, regErr = m.controller.RegisterBroker(ctx, pb.RegisterBrokerRequest{
			ClusterName:     m.clusterName,
			BrokerName:      m.brokerName,
			BrokerAddress:   m.selfAddr,
			BrokerHaAddress: m.selfHaAddr,
		})
		if regErr != nil {
			return errors.Wrap(regErr, "syncBrokerMetadata: rejoin registerBroker failed")
		}
		m.mu.Lock()
		m.brokerId = regResp.BrokerId
		m.mu.Unlock()
		m.applyBrokerMetadata(regResp.MasterAddress, regResp.MasterEpoch, resp.SyncStateSet, regResp.SyncStateSetEpoch)
		return nil
	}

	if resp.BrokerId > 0 {
		m.mu.Lock()
		m.brokerId = resp.BrokerId
		m.mu.Unlock()
	}
	m.applyBrokerMetadata(resp.MasterAddress, resp.MasterEpoch, resp.SyncStateSet, resp.SyncStateSetEpoch)
	return nil
}

// applyBrokerMetadata is the sole place local role/epoch state changes,
// implementing the epoch-monotonicity guard of spec §5: a masterEpoch
// no greater than the one already observed is ignored outright.
func (m *Manager) applyBrokerMetadata(masterAddr string, masterEpoch uint32, syncStateSet []string, syncStateSetEpoch uint32) {
	m.mu.Lock()
	var epochAdvanced = masterEpoch > m.masterEpoch
	var roleChanged = false
	var newRole = m.role

	if epochAdvanced {
		m.masterEpoch = masterEpoch
		m.masterAddress = masterAddr
		newRole = RoleSlave
		if masterAddr == m.selfAddr && masterAddr != "" {
			newRole = RoleMaster
		}
		roleChanged = newRole != m.role
		m.role = newRole
	}
	if syncStateSetEpoch > m.syncStateSetEpoch {
		m.syncStateSetEpoch = syncStateSetEpoch
		m.syncStateSet = toSet(syncStateSet)
	}
	var masterAddress, epoch = m.masterAddress, m.masterEpoch
	m.mu.Unlock()

	if !epochAdvanced {
		return
	}
	if roleChanged {
		log.WithFields(log.Fields{"broker": m.brokerName, "role": newRole, "masterEpoch": epoch}).Info("replica: role changed")
		switch newRole {
		case RoleMaster:
			m.changeToMaster(epoch)
		case RoleSlave:
			m.changeToSlave(masterAddress, epoch)
		}
		if m.observer != nil {
			m.observer.OnRoleChanged(newRole, masterAddress, epoch)
		}
	} else if newRole == RoleSlave {
		// Same role, but the master (or its epoch) changed under us, e.g.
		// after a failover we didn't win; reconnect to the new master.
		m.changeToSlave(masterAddress, epoch)
	}
}

// changeToMaster implements spec §5's changeToMaster transition: tear
// down any slave-side client, record the new epoch at the current
// maxPhyOffset, reset tracked slave offsets, and asynchronously
// re-register with the name service. Accepting HA connections is left to
// the owning cmd/brokerd accept loop, which accepts them regardless of
// Role().
func (m *Manager) changeToMaster(newEpoch uint32) {
	m.clientMu.Lock()
	m.client = nil
	m.clientMu.Unlock()

	if err := m.epochs.Append(newEpoch, m.log.MaxPhyOffset()); err != nil {
		log.WithError(err).WithField("broker", m.brokerName).Warn("replica: failed to record new master epoch")
	}
	m.slavesMu.Lock()
	m.slaveOffsets = make(map[string]int64)
	m.slavesMu.Unlock()

	if m.nameService != nil {
		go func() {
			if err := m.nameService.RegisterBrokerAll(context.Background(), true); err != nil {
				log.WithError(err).WithField("broker", m.brokerName).Warn("replica: name service re-registration failed")
			}
		}()
	}
}

// changeToSlave implements spec §5's changeToSlave transition: point (or
// repoint) this broker's HAClient at the new master.
func (m *Manager) changeToSlave(masterAddr string, newEpoch uint32) {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	if masterAddr == "" {
		m.client = nil
		return
	}
	if m.client != nil {
		m.client.SetMasterAddress(masterAddr)
		return
	}
	m.client = replication.NewHAClient(m.log, m.epochs, slaveNotifier{m}, dialTCP, masterAddr, replication.SlaveConfig{
		HeartbeatInterval:    m.cfg.HASendHeartbeatInterval,
		HousekeepingInterval: m.cfg.HAHousekeepingInterval,
		HandshakeTimeout:     5 * time.Second,
		ReadyRetryInterval:   5 * time.Second,
	})
	m.mu.RLock()
	var runCtx = m.runCtx
	m.mu.RUnlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	go m.client.Run(runCtx)
}

// changeSyncStateSet implements spec §5's changeSyncStateSet transition,
// invoked locally by checkSyncStateSet after the controller accepts a
// proposed ISR change.
func (m *Manager) changeSyncStateSet(newSet []string, newEpoch uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newEpoch <= m.syncStateSetEpoch {
		return
	}
	m.syncStateSet = toSet(newSet)
	m.syncStateSetEpoch = newEpoch
}

func toSet(addrs []string) map[string]struct{} {
	var out = make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		out[a] = struct{}{}
	}
	return out
}
