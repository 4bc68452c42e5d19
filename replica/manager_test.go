package replica

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.brokerha.dev/core/commitlog"
	"go.brokerha.dev/core/config"
	pb "go.brokerha.dev/core/controller/controllerpb"
	"go.brokerha.dev/core/epoch"
)

type fakeController struct {
	registerResp pb.RegisterBrokerResponse
	infoResp     pb.GetReplicaInfoResponse
	alterResp    pb.AlterSyncStateSetResponse
	alterCalls   []pb.AlterSyncStateSetRequest
}

func (f *fakeController) RegisterBroker(context.Context, pb.RegisterBrokerRequest) (pb.RegisterBrokerResponse, error) {
	return f.registerResp, nil
}

func (f *fakeController) GetReplicaInfo(context.Context, pb.GetReplicaInfoRequest) (pb.GetReplicaInfoResponse, error) {
	return f.infoResp, nil
}

func (f *fakeController) AlterSyncStateSet(_ context.Context, req pb.AlterSyncStateSetRequest) (pb.AlterSyncStateSetResponse, error) {
	f.alterCalls = append(f.alterCalls, req)
	return f.alterResp, nil
}

func newTestManager(t *testing.T, selfAddr string, controller ControllerClient) *Manager {
	t.Helper()
	var log = commitlog.NewInMemory(nil)
	var cache, err = epoch.Open(epoch.NewMemStore(), 0)
	require.NoError(t, err)
	return NewManager("clusterA", "broker1", selfAddr, selfAddr+"-ha", config.Default(), log, cache, controller, nil, nil)
}

// TestBecomesMasterOnFirstRegistration covers spec scenario 6 at the
// replica-manager layer: registering as the first broker elects self as
// master and the manager reflects that immediately on Start.
func TestBecomesMasterOnFirstRegistration(t *testing.T) {
	var controller = &fakeController{registerResp: pb.RegisterBrokerResponse{
		BrokerId: 1, MasterAddress: "A:9000", MasterEpoch: 1, SyncStateSetEpoch: 1,
	}}
	var m = newTestManager(t, "A:9000", controller)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel() // Start should still perform the initial register before the group exits.
	require.NoError(t, m.Start(ctx))

	require.Equal(t, RoleMaster, m.Role())
	require.Equal(t, uint32(1), m.MasterEpoch())
	require.Equal(t, "A:9000", m.MasterAddress())
}

// TestBecomesSlaveWhenAnotherBrokerIsMaster covers the common replica
// startup path: registering returns an existing master elsewhere.
func TestBecomesSlaveWhenAnotherBrokerIsMaster(t *testing.T) {
	var controller = &fakeController{registerResp: pb.RegisterBrokerResponse{
		BrokerId: 2, MasterAddress: "A:9000", MasterEpoch: 3, SyncStateSetEpoch: 2,
	}}
	var m = newTestManager(t, "B:9001", controller)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Start(ctx))

	require.Equal(t, RoleSlave, m.Role())
	require.Equal(t, uint32(3), m.MasterEpoch())
	require.Equal(t, "A:9000", m.MasterAddress())
}

// TestApplyBrokerMetadataIgnoresStaleEpoch covers the epoch-monotonicity
// guard: a masterEpoch no greater than the one already observed must not
// regress local state.
func TestApplyBrokerMetadataIgnoresStaleEpoch(t *testing.T) {
	var controller = &fakeController{}
	var m = newTestManager(t, "A:9000", controller)

	m.applyBrokerMetadata("A:9000", 5, []string{"A:9000"}, 5)
	require.Equal(t, uint32(5), m.MasterEpoch())

	m.applyBrokerMetadata("B:9001", 5, []string{"B:9001"}, 5)
	require.Equal(t, uint32(5), m.MasterEpoch(), "stale epoch must not overwrite state")
	require.Equal(t, "A:9000", m.MasterAddress())
}

// TestCheckSyncStateSetProposesShrunkSetWhenSlaveLags verifies T3 detects
// a lagging slave and proposes its removal from the ISR.
func TestCheckSyncStateSetProposesShrunkSetWhenSlaveLags(t *testing.T) {
	var controller = &fakeController{alterResp: pb.AlterSyncStateSetResponse{
		ErrorCode: pb.None, SyncStateSet: []string{"A:9000"}, SyncStateSetEpoch: 2,
	}}
	var m = newTestManager(t, "A:9000", controller)
	m.role = RoleMaster
	m.masterEpoch = 1
	m.syncStateSet = map[string]struct{}{"A:9000": {}, "B:9001": {}}
	m.syncStateSetEpoch = 1
	require.True(t, m.log.AppendToCommitLog(0, make([]byte, maxAllowedLagBytes*2)))
	m.ReportSlaveOffset("B:9001", 0) // far behind

	require.NoError(t, m.checkSyncStateSet(context.Background()))
	require.Len(t, controller.alterCalls, 1)
	require.ElementsMatch(t, []string{"A:9000"}, controller.alterCalls[0].NewSyncStateSet)
	require.Equal(t, uint32(2), m.syncStateSetEpoch)
}
