// Package haspi ("HA service provider interfaces") names the narrow
// collaborator interfaces the replication core depends on but does not
// implement: commit-log storage, and broker name-service registration.
// Network transport and its request framing are likewise external, but
// modeled directly in package replication as they're the HA wire protocol
// this core *does* own; haspi covers only the genuinely out-of-scope
// collaborators named in spec §1.
package haspi

import "context"

// CommitLog is the append-only storage engine backing a broker's journal.
// Its internals (segment files, indices, flush policy) are out of scope;
// only this interface is consumed by the replication and replica packages.
type CommitLog interface {
	// MaxPhyOffset returns the offset immediately following the last byte
	// appended to the log.
	MaxPhyOffset() int64
	// AppendToCommitLog writes body at offset, which must equal
	// MaxPhyOffset() at the time of the call. Returns false on failure.
	AppendToCommitLog(offset int64, body []byte) bool
	// TruncateFiles discards all log content at or beyond offset. Returns
	// false if the truncation could not be performed.
	TruncateFiles(offset int64) bool
	// GetMinOffset returns the oldest offset still retained by the log.
	GetMinOffset() int64
	// GetMessage returns the body stored at [offset, offset+size), or nil
	// if it is not (or no longer) resident.
	GetMessage(offset int64, size int32) []byte
	// Now returns the current time in epoch milliseconds, as observed by
	// the storage engine (allowing tests to control time deterministically).
	Now() int64
}

// NameService lets a broker re-advertise itself after a role transition
// (e.g. after becoming master, the broker must be discoverable as such).
type NameService interface {
	RegisterBrokerAll(ctx context.Context, force bool) error
}
