// Package commitlog provides minimal, testable implementations of
// haspi.CommitLog. Per spec §1 the real storage engine (segment files,
// indices, flush policy) is out of scope; these exist so the replication
// and replica packages can be exercised end-to-end without one.
package commitlog

import (
	"sync"

	"github.com/pkg/errors"
)

// InMemory is a haspi.CommitLog backed by a single growable byte slice.
// It never reclaims space (GetMinOffset is always 0) and has no concept
// of segment files; it exists purely to exercise the replication wire
// protocol and replica state machine in tests.
type InMemory struct {
	mu   sync.RWMutex
	buf  []byte
	now  func() int64
	size int64 // unused; the log's max offset is len(buf)
}

// NewInMemory returns an empty InMemory commit log. now supplies the
// clock used by Now(); pass nil to use a monotonically increasing
// internal counter (useful for deterministic tests).
func NewInMemory(now func() int64) *InMemory {
	var l = &InMemory{now: now}
	if l.now == nil {
		var counter int64
		l.now = func() int64 { counter++; return counter }
	}
	return l
}

func (l *InMemory) MaxPhyOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.buf))
}

func (l *InMemory) AppendToCommitLog(offset int64, body []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset != int64(len(l.buf)) {
		return false
	}
	l.buf = append(l.buf, body...)
	return true
}

func (l *InMemory) TruncateFiles(offset int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 || offset > int64(len(l.buf)) {
		return false
	}
	l.buf = l.buf[:offset]
	return true
}

func (l *InMemory) GetMinOffset() int64 { return 0 }

func (l *InMemory) GetMessage(offset int64, size int32) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var end = offset + int64(size)
	if offset < 0 || end > int64(len(l.buf)) {
		return nil
	}
	var out = make([]byte, size)
	copy(out, l.buf[offset:end])
	return out
}

func (l *InMemory) Now() int64 { return l.now() }

// ErrShortWrite names the case of an append that would not be contiguous
// with the log's current end. InMemory and FileLog report that case by
// returning false from AppendToCommitLog; no function in this package
// returns ErrShortWrite.
var ErrShortWrite = errors.New("commitlog: append offset is not contiguous with log end")
