package controller

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	pb "go.brokerha.dev/core/controller/controllerpb"
)

func registerAndApply(t *testing.T, reg *Registry, cluster, brokerName, addr string) pb.RegisterBrokerResponse {
	t.Helper()
	var result = reg.HandleRegisterBroker(pb.RegisterBrokerRequest{
		ClusterName:   cluster,
		BrokerName:    brokerName,
		BrokerAddress: addr,
	})
	reg.Apply(result.Events...)
	return result.Response
}

// TestRegisterFirstBrokerBecomesMaster covers spec scenario 6.
func TestRegisterFirstBrokerBecomesMaster(t *testing.T) {
	var reg = NewRegistry()
	var resp = registerAndApply(t, reg, "clusterA", "broker1", "10.0.0.1:10911")

	require.Equal(t, int64(1), resp.BrokerId)
	require.Equal(t, "10.0.0.1:10911", resp.MasterAddress)
	require.Equal(t, uint32(1), resp.MasterEpoch)
	require.Equal(t, uint32(1), resp.SyncStateSetEpoch)

	var info = reg.Snapshot("broker1")
	require.NotNil(t, info)
	require.Equal(t, "10.0.0.1:10911", info.MasterAddress)
	require.Contains(t, info.SyncStateSet, "10.0.0.1:10911")
}

// TestRegisterIdempotence covers P6: registering the same address twice
// returns the same brokerId and does not alter the ISR.
func TestRegisterIdempotence(t *testing.T) {
	var reg = NewRegistry()
	registerAndApply(t, reg, "clusterA", "broker1", "A:9000")
	var before = reg.Snapshot("broker1").syncStateSetSlice()

	var resp = registerAndApply(t, reg, "clusterA", "broker1", "A:9000")
	require.Equal(t, int64(1), resp.BrokerId)

	var after = reg.Snapshot("broker1").syncStateSetSlice()
	require.Equal(t, before, after)
}

// TestElectMasterMultipleReplicas covers spec scenario 1.
func TestElectMasterMultipleReplicas(t *testing.T) {
	var reg = NewRegistry()
	registerAndApply(t, reg, "clusterA", "broker1", "A:9000")
	registerAndApply(t, reg, "clusterA", "broker1", "B:9001")
	registerAndApply(t, reg, "clusterA", "broker1", "C:9002")

	// All three are in sync, per an accepted ISR expansion.
	var alter = reg.HandleAlterSyncStateSet(pb.AlterSyncStateSetRequest{
		BrokerName:        "broker1",
		MasterAddress:     "A:9000",
		MasterEpoch:       1,
		NewSyncStateSet:   []string{"A:9000", "B:9001", "C:9002"},
		SyncStateSetEpoch: 1,
	})
	require.Equal(t, pb.None, alter.Response.ErrorCode)
	reg.Apply(alter.Events...)

	var elect = reg.HandleElectMaster(pb.ElectMasterRequest{BrokerName: "broker1"})
	require.Equal(t, pb.None, elect.Response.ErrorCode)
	require.Contains(t, []string{"B:9001", "C:9002"}, elect.Response.NewMasterAddress)
	require.Equal(t, uint32(2), elect.Response.MasterEpoch)
	require.Equal(t, uint32(3), elect.Response.SyncStateSetEpoch)
	reg.Apply(elect.Events...)

	var info = reg.Snapshot("broker1")
	require.Equal(t, []string{elect.Response.NewMasterAddress}, info.syncStateSetSlice())
}

// TestElectMasterNoCandidateLeavesEpochUnchanged covers spec scenario 2.
func TestElectMasterNoCandidateLeavesEpochUnchanged(t *testing.T) {
	var reg = NewRegistry()
	registerAndApply(t, reg, "clusterA", "broker1", "A:9000")

	var elect = reg.HandleElectMaster(pb.ElectMasterRequest{BrokerName: "broker1"})
	require.Equal(t, pb.ElectMasterFailed, elect.Response.ErrorCode)
	require.Equal(t, "", elect.Response.NewMasterAddress)
	require.Equal(t, uint32(1), elect.Response.MasterEpoch, "masterEpoch must not change on election failure")
	reg.Apply(elect.Events...)

	var info = reg.Snapshot("broker1")
	require.Equal(t, "", info.MasterAddress)
	require.Equal(t, uint32(1), info.MasterEpoch)
}

// TestAlterSyncStateSetRejectsStaleEpoch exercises the epoch guards of
// alterSyncStateSet.
func TestAlterSyncStateSetRejectsStaleEpoch(t *testing.T) {
	var reg = NewRegistry()
	registerAndApply(t, reg, "clusterA", "broker1", "A:9000")
	registerAndApply(t, reg, "clusterA", "broker1", "B:9001")

	var resp = reg.HandleAlterSyncStateSet(pb.AlterSyncStateSetRequest{
		BrokerName:        "broker1",
		MasterAddress:     "A:9000",
		MasterEpoch:       99,
		NewSyncStateSet:   []string{"A:9000", "B:9001"},
		SyncStateSetEpoch: 1,
	})
	require.Equal(t, pb.StaleMasterEpoch, resp.Response.ErrorCode)
	require.Empty(t, resp.Events)

	resp = reg.HandleAlterSyncStateSet(pb.AlterSyncStateSetRequest{
		BrokerName:        "broker1",
		MasterAddress:     "A:9000",
		MasterEpoch:       1,
		NewSyncStateSet:   []string{"A:9000", "B:9001"},
		SyncStateSetEpoch: 99,
	})
	require.Equal(t, pb.StaleSyncStateSetEpoch, resp.Response.ErrorCode)
}

// TestAlterSyncStateSetRejectsInvalidSet covers the ISR ⊆ replicas and
// master ∈ ISR invariants (P4).
func TestAlterSyncStateSetRejectsInvalidSet(t *testing.T) {
	var reg = NewRegistry()
	registerAndApply(t, reg, "clusterA", "broker1", "A:9000")

	// Not a subset of replicaSet ∪ {master}.
	var resp = reg.HandleAlterSyncStateSet(pb.AlterSyncStateSetRequest{
		BrokerName:        "broker1",
		MasterAddress:     "A:9000",
		MasterEpoch:       1,
		NewSyncStateSet:   []string{"A:9000", "Z:9999"},
		SyncStateSetEpoch: 1,
	})
	require.Equal(t, pb.InvalidSyncStateSet, resp.Response.ErrorCode)

	// Master not in the proposed set.
	resp = reg.HandleAlterSyncStateSet(pb.AlterSyncStateSetRequest{
		BrokerName:        "broker1",
		MasterAddress:     "A:9000",
		MasterEpoch:       1,
		NewSyncStateSet:   []string{},
		SyncStateSetEpoch: 1,
	})
	require.Equal(t, pb.InvalidSyncStateSet, resp.Response.ErrorCode)
}

// TestMasterEpochMonotonic covers P1 across a trace of several elections.
func TestMasterEpochMonotonic(t *testing.T) {
	var reg = NewRegistry()
	registerAndApply(t, reg, "clusterA", "broker1", "A:9000")
	registerAndApply(t, reg, "clusterA", "broker1", "B:9001")
	registerAndApply(t, reg, "clusterA", "broker1", "C:9002")

	var alter = reg.HandleAlterSyncStateSet(pb.AlterSyncStateSetRequest{
		BrokerName: "broker1", MasterAddress: "A:9000", MasterEpoch: 1,
		NewSyncStateSet: []string{"A:9000", "B:9001", "C:9002"}, SyncStateSetEpoch: 1,
	})
	reg.Apply(alter.Events...)

	var epochs []uint32
	for i := 0; i < 3; i++ {
		var info = reg.Snapshot("broker1")
		epochs = append(epochs, info.MasterEpoch)
		var elect = reg.HandleElectMaster(pb.ElectMasterRequest{BrokerName: "broker1"})
		reg.Apply(elect.Events...)
	}
	require.True(t, sort.SliceIsSorted(epochs, func(i, j int) bool { return epochs[i] <= epochs[j] }))
}
