// Package controller implements the controller-side state machine of
// spec §4.4: request handlers are pure functions of the current snapshot
// that produce events; Apply is the sole mutator of durable ReplicaInfo
// state. The surrounding consensus layer (assumed linearizable, per
// spec §1) is responsible for durably ordering events before Apply sees
// them; Registry itself does not implement consensus.
package controller

import "sort"

// ReplicaInfo is the controller's authoritative view of one broker's
// replica set, per spec §3.
type ReplicaInfo struct {
	BrokerName  string
	ClusterName string

	MasterAddress     string
	MasterEpoch       uint32
	SyncStateSet      map[string]struct{}
	SyncStateSetEpoch uint32
	// ReplicaSet maps every known replica address to its assigned brokerId.
	ReplicaSet map[string]int64
	NextBrokerId int64
}

func newReplicaInfo(cluster, brokerName string) *ReplicaInfo {
	return &ReplicaInfo{
		BrokerName:   brokerName,
		ClusterName:  cluster,
		SyncStateSet: make(map[string]struct{}),
		ReplicaSet:   make(map[string]int64),
		NextBrokerId: 1,
	}
}

func (r *ReplicaInfo) clone() *ReplicaInfo {
	var out = &ReplicaInfo{
		BrokerName:        r.BrokerName,
		ClusterName:       r.ClusterName,
		MasterAddress:     r.MasterAddress,
		MasterEpoch:       r.MasterEpoch,
		SyncStateSetEpoch: r.SyncStateSetEpoch,
		NextBrokerId:      r.NextBrokerId,
		SyncStateSet:      make(map[string]struct{}, len(r.SyncStateSet)),
		ReplicaSet:        make(map[string]int64, len(r.ReplicaSet)),
	}
	for k := range r.SyncStateSet {
		out.SyncStateSet[k] = struct{}{}
	}
	for k, v := range r.ReplicaSet {
		out.ReplicaSet[k] = v
	}
	return out
}

// syncStateSetSlice returns the sync state set as a sorted slice, for
// deterministic wire responses and equality checks.
func (r *ReplicaInfo) syncStateSetSlice() []string {
	var out = make([]string, 0, len(r.SyncStateSet))
	for addr := range r.SyncStateSet {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func toSet(addrs []string) map[string]struct{} {
	var out = make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		out[a] = struct{}{}
	}
	return out
}

func subsetOf(a map[string]struct{}, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
