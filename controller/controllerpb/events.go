package controllerpb

// EventMessage is the sealed set of events a controller.Registry request
// handler may produce; a single applier is the only code that turns these
// into mutations of the durable ReplicaInfo table (spec §4.4, §9).
type EventMessage interface {
	isEvent()
}

// BrokerRegisterEvent records that address was assigned brokerId within
// brokerName's replica set.
type BrokerRegisterEvent struct {
	ClusterName string
	BrokerName  string
	Address     string
	BrokerId    int64
}

func (BrokerRegisterEvent) isEvent() {}

// ElectMasterEvent records the outcome of a master election. When
// NewMasterElected is false, NewMasterAddress is empty and MasterEpoch is
// unchanged from the prior state (see spec §4.4's authoritative note on
// the no-candidate case); SyncStateSet and SyncStateSetEpoch are likewise
// only meaningful when NewMasterElected is true.
type ElectMasterEvent struct {
	BrokerName        string
	NewMasterAddress  string
	MasterEpoch       uint32
	SyncStateSet      []string
	SyncStateSetEpoch uint32
	NewMasterElected  bool
}

func (ElectMasterEvent) isEvent() {}

// AlterSyncStateSetEvent records an accepted ISR change.
type AlterSyncStateSetEvent struct {
	BrokerName        string
	NewSyncStateSet   []string
	SyncStateSetEpoch uint32
}

func (AlterSyncStateSetEvent) isEvent() {}
