package controller

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	pb "go.brokerha.dev/core/controller/controllerpb"
)

// Registry is the controller-side state machine holding every broker's
// ReplicaInfo. Request handlers (HandleXxx) read a consistent snapshot and
// return events without mutating state; Apply is the only mutator and is
// expected to be invoked, in order, once the surrounding consensus layer
// has durably committed each event (spec §4.4, §9).
type Registry struct {
	mu    sync.RWMutex
	infos map[string]*ReplicaInfo // keyed by BrokerName
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]*ReplicaInfo)}
}

// Result bundles the events produced by a request handler with the
// response the controller's RPC layer should send back to the caller.
// Apply must be called with Events (in order) before Response is
// considered authoritative; a well-behaved server calls Apply itself as
// part of committing the request.
type Result[T any] struct {
	Events   []pb.EventMessage
	Response T
}

// snapshot returns a read-only copy of a broker's ReplicaInfo, or nil if
// unknown.
func (r *Registry) snapshot(brokerName string) *ReplicaInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.infos[brokerName]; ok {
		return info.clone()
	}
	return nil
}

// HandleRegisterBroker implements spec §4.4's registerBroker semantics.
func (r *Registry) HandleRegisterBroker(req pb.RegisterBrokerRequest) Result[pb.RegisterBrokerResponse] {
	var info = r.snapshot(req.BrokerName)

	if info == nil {
		// Unknown brokerName: first replica registration for this broker.
		var events = []pb.EventMessage{
			pb.BrokerRegisterEvent{
				ClusterName: req.ClusterName,
				BrokerName:  req.BrokerName,
				Address:     req.BrokerAddress,
				BrokerId:    1,
			},
			pb.ElectMasterEvent{
				BrokerName:        req.BrokerName,
				NewMasterAddress:  req.BrokerAddress,
				MasterEpoch:       1,
				SyncStateSet:      []string{req.BrokerAddress},
				SyncStateSetEpoch: 1,
				NewMasterElected:  true,
			},
		}
		return Result[pb.RegisterBrokerResponse]{
			Events: events,
			Response: pb.RegisterBrokerResponse{
				BrokerId:          1,
				MasterAddress:     req.BrokerAddress,
				MasterEpoch:       1,
				SyncStateSetEpoch: 1,
			},
		}
	}

	if brokerId, ok := info.ReplicaSet[req.BrokerAddress]; ok {
		// Known address: idempotent, no events.
		return Result[pb.RegisterBrokerResponse]{
			Response: pb.RegisterBrokerResponse{
				BrokerId:          brokerId,
				MasterAddress:     info.MasterAddress,
				MasterEpoch:       info.MasterEpoch,
				SyncStateSetEpoch: info.SyncStateSetEpoch,
			},
		}
	}

	// Known brokerName, new address: allocate the next brokerId.
	var events = []pb.EventMessage{pb.BrokerRegisterEvent{
		ClusterName: req.ClusterName,
		BrokerName:  req.BrokerName,
		Address:     req.BrokerAddress,
		BrokerId:    info.NextBrokerId,
	}}
	return Result[pb.RegisterBrokerResponse]{
		Events: events,
		Response: pb.RegisterBrokerResponse{
			BrokerId:          info.NextBrokerId,
			MasterAddress:     info.MasterAddress,
			MasterEpoch:       info.MasterEpoch,
			SyncStateSetEpoch: info.SyncStateSetEpoch,
		},
	}
}

// HandleGetReplicaInfo implements the read-only getReplicaInfo request.
// BrokerId in the response is the requester's own id (0 if this
// controller has never seen req.BrokerAddress register), not the
// master's — callers use a non-positive id as a signal to re-register
// (spec §5 T2, §9's "brokerId < 0" open question).
func (r *Registry) HandleGetReplicaInfo(req pb.GetReplicaInfoRequest) pb.GetReplicaInfoResponse {
	var info = r.snapshot(req.BrokerName)
	if info == nil {
		return pb.GetReplicaInfoResponse{ErrorCode: pb.BrokerNotExist}
	}
	return pb.GetReplicaInfoResponse{
		MasterAddress:     info.MasterAddress,
		MasterEpoch:       info.MasterEpoch,
		BrokerId:          info.ReplicaSet[req.BrokerAddress],
		SyncStateSet:      info.syncStateSetSlice(),
		SyncStateSetEpoch: info.SyncStateSetEpoch,
		ErrorCode:         pb.None,
	}
}

// HandleAlterSyncStateSet implements spec §4.4's alterSyncStateSet.
func (r *Registry) HandleAlterSyncStateSet(req pb.AlterSyncStateSetRequest) Result[pb.AlterSyncStateSetResponse] {
	var info = r.snapshot(req.BrokerName)
	if info == nil {
		return Result[pb.AlterSyncStateSetResponse]{Response: pb.AlterSyncStateSetResponse{ErrorCode: pb.BrokerNotExist}}
	}
	if info.MasterAddress != req.MasterAddress {
		return Result[pb.AlterSyncStateSetResponse]{Response: pb.AlterSyncStateSetResponse{ErrorCode: pb.NotMaster}}
	}
	if req.MasterEpoch != info.MasterEpoch {
		return Result[pb.AlterSyncStateSetResponse]{Response: pb.AlterSyncStateSetResponse{ErrorCode: pb.StaleMasterEpoch}}
	}
	if req.SyncStateSetEpoch != info.SyncStateSetEpoch {
		return Result[pb.AlterSyncStateSetResponse]{Response: pb.AlterSyncStateSetResponse{ErrorCode: pb.StaleSyncStateSetEpoch}}
	}

	var newSet = toSet(req.NewSyncStateSet)
	if _, ok := newSet[req.MasterAddress]; !ok {
		return Result[pb.AlterSyncStateSetResponse]{Response: pb.AlterSyncStateSetResponse{ErrorCode: pb.InvalidSyncStateSet}}
	}
	// newSet must be a subset of replicaSet ∪ {master}.
	var allowed = make(map[string]struct{}, len(info.ReplicaSet)+1)
	for addr := range info.ReplicaSet {
		allowed[addr] = struct{}{}
	}
	allowed[req.MasterAddress] = struct{}{}
	if !subsetOf(newSet, allowed) {
		return Result[pb.AlterSyncStateSetResponse]{Response: pb.AlterSyncStateSetResponse{ErrorCode: pb.InvalidSyncStateSet}}
	}

	var newEpoch = info.SyncStateSetEpoch + 1
	var sorted = append([]string(nil), req.NewSyncStateSet...)
	sort.Strings(sorted)

	return Result[pb.AlterSyncStateSetResponse]{
		Events: []pb.EventMessage{pb.AlterSyncStateSetEvent{
			BrokerName:        req.BrokerName,
			NewSyncStateSet:   sorted,
			SyncStateSetEpoch: newEpoch,
		}},
		Response: pb.AlterSyncStateSetResponse{
			ErrorCode:         pb.None,
			SyncStateSet:      sorted,
			SyncStateSetEpoch: newEpoch,
		},
	}
}

// HandleElectMaster implements spec §4.4's electMaster, including the
// authoritative no-candidate behavior: masterEpoch is left unchanged and
// only masterAddress is cleared (see spec's Open Question resolution).
func (r *Registry) HandleElectMaster(req pb.ElectMasterRequest) Result[pb.ElectMasterResponse] {
	var info = r.snapshot(req.BrokerName)
	if info == nil {
		return Result[pb.ElectMasterResponse]{Response: pb.ElectMasterResponse{ErrorCode: pb.BrokerNotExist}}
	}

	var candidates []string
	for addr := range info.SyncStateSet {
		if addr != info.MasterAddress {
			candidates = append(candidates, addr)
		}
	}
	sort.Strings(candidates) // deterministic tie-break: lowest address wins.

	var brokerTable = make(map[string]pb.BrokerIdentity, len(info.ReplicaSet))
	for addr, id := range info.ReplicaSet {
		brokerTable[addr] = pb.BrokerIdentity{BrokerId: id, Address: addr}
	}

	if len(candidates) == 0 {
		var ev = pb.ElectMasterEvent{
			BrokerName:       req.BrokerName,
			NewMasterAddress: "",
			MasterEpoch:      info.MasterEpoch, // unchanged on failure.
			NewMasterElected: false,
		}
		log.WithField("broker", req.BrokerName).Warn("electMaster found no candidate in sync state set")
		return Result[pb.ElectMasterResponse]{
			Events: []pb.EventMessage{ev},
			Response: pb.ElectMasterResponse{
				NewMasterAddress: "",
				MasterEpoch:      info.MasterEpoch,
				ErrorCode:        pb.ElectMasterFailed,
				BrokerTable:      brokerTable,
			},
		}
	}

	var newMaster = candidates[0]
	var newEpoch = info.MasterEpoch + 1
	var newSsEpoch = info.SyncStateSetEpoch + 1

	var ev = pb.ElectMasterEvent{
		BrokerName:        req.BrokerName,
		NewMasterAddress:  newMaster,
		MasterEpoch:       newEpoch,
		SyncStateSet:      []string{newMaster},
		SyncStateSetEpoch: newSsEpoch,
		NewMasterElected:  true,
	}
	return Result[pb.ElectMasterResponse]{
		Events: []pb.EventMessage{ev},
		Response: pb.ElectMasterResponse{
			NewMasterIdentity: info.ReplicaSet[newMaster],
			NewMasterAddress:  newMaster,
			MasterEpoch:       newEpoch,
			SyncStateSetEpoch: newSsEpoch,
			BrokerTable:       brokerTable,
			ErrorCode:         pb.None,
		},
	}
}

// Apply is the single writer of durable ReplicaInfo state. It must be
// invoked with each handler's events, in order, once the consensus layer
// has committed them.
func (r *Registry) Apply(events ...pb.EventMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, raw := range events {
		switch ev := raw.(type) {
		case pb.BrokerRegisterEvent:
			var info, ok = r.infos[ev.BrokerName]
			if !ok {
				info = newReplicaInfo(ev.ClusterName, ev.BrokerName)
				r.infos[ev.BrokerName] = info
			}
			info.ReplicaSet[ev.Address] = ev.BrokerId
			if ev.BrokerId >= info.NextBrokerId {
				info.NextBrokerId = ev.BrokerId + 1
			}

		case pb.ElectMasterEvent:
			var info = r.infos[ev.BrokerName]
			if info == nil {
				continue
			}
			if ev.MasterEpoch > info.MasterEpoch {
				info.MasterEpoch = ev.MasterEpoch
			}
			if ev.NewMasterElected {
				info.MasterAddress = ev.NewMasterAddress
				info.SyncStateSet = toSet(ev.SyncStateSet)
				if ev.SyncStateSetEpoch > info.SyncStateSetEpoch {
					info.SyncStateSetEpoch = ev.SyncStateSetEpoch
				}
			} else {
				info.MasterAddress = ""
			}

		case pb.AlterSyncStateSetEvent:
			var info = r.infos[ev.BrokerName]
			if info == nil {
				continue
			}
			if ev.SyncStateSetEpoch > info.SyncStateSetEpoch {
				info.SyncStateSet = toSet(ev.NewSyncStateSet)
				info.SyncStateSetEpoch = ev.SyncStateSetEpoch
			}

		default:
			log.WithField("event", ev).Warn("controller: unrecognized event type")
		}
	}
}

// Snapshot exposes a broker's current ReplicaInfo for tests and
// diagnostics. Returns nil if the broker is unknown.
func (r *Registry) Snapshot(brokerName string) *ReplicaInfo {
	return r.snapshot(brokerName)
}
