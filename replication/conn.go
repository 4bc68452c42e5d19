package replication

import (
	"sync"
	"time"
)

// ConnState tags the lifecycle of one master↔slave HA connection, per
// spec §3/§4.2. It is modeled as a fixed tagged variant rather than
// subclass dispatch, per spec §9's design note.
type ConnState string

const (
	StateReady     ConnState = "READY"
	StateHandshake ConnState = "HANDSHAKE"
	StateTransfer  ConnState = "TRANSFER"
	StateSuspend   ConnState = "SUSPEND"
	StateShutdown  ConnState = "SHUTDOWN"
)

// connStatus is the shared, mutex-guarded piece of per-connection state
// read by housekeeping and reported to operators; the bulk of connection
// state lives in the unshared fields of HAConnection/HAClient since only
// one goroutine ever touches them, but state/timestamps are read from
// other goroutines (housekeeping, status queries) so they're centralized
// here behind a lock.
type connStatus struct {
	mu                    sync.RWMutex
	state                 ConnState
	currentReportedOffset int64
	confirmOffset         int64
	currentReceivedEpoch  uint32
	lastReadTs            time.Time
	lastWriteTs           time.Time
}

func newConnStatus() *connStatus {
	return &connStatus{state: StateReady, lastReadTs: time.Now(), lastWriteTs: time.Now()}
}

func (s *connStatus) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *connStatus) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *connStatus) markRead() {
	s.mu.Lock()
	s.lastReadTs = time.Now()
	s.mu.Unlock()
}

func (s *connStatus) markWrite() {
	s.mu.Lock()
	s.lastWriteTs = time.Now()
	s.mu.Unlock()
}

func (s *connStatus) sinceLastRead() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastReadTs)
}

func (s *connStatus) setReportedOffset(o int64) {
	s.mu.Lock()
	s.currentReportedOffset = o
	s.mu.Unlock()
}

func (s *connStatus) ReportedOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentReportedOffset
}

func (s *connStatus) setConfirmOffset(o int64) {
	s.mu.Lock()
	s.confirmOffset = o
	s.mu.Unlock()
}

func (s *connStatus) ConfirmOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmOffset
}

func (s *connStatus) setReceivedEpoch(e uint32) {
	s.mu.Lock()
	s.currentReceivedEpoch = e
	s.mu.Unlock()
}
