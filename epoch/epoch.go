// Package epoch implements the append-only record of master terms used to
// reconcile divergent replica logs. An EpochCache is a small, file-backed
// log of (epoch, startOffset) entries; two caches can be compared to find
// the largest offset at which their underlying commit logs are known to
// agree, which is the basis of slave log truncation during handshake.
package epoch

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Entry is a single epoch record: epoch e began at commit-log offset
// StartOffset and, for now, is assumed to run until the next entry's
// StartOffset (or, for the newest entry, until EndOffset of its owning
// Cache).
type Entry struct {
	Epoch       uint32
	StartOffset int64
}

// ErrNotFound is returned by FindByEpoch when no entry matches.
var ErrNotFound = errors.New("epoch: no such entry")

// Cache is an ordered, append-only sequence of Entry, persisted to a file
// by a Store. Entries are strictly ordered by Epoch and by StartOffset;
// every appended Entry must have a greater Epoch and a StartOffset no
// less than the current last entry's end offset.
//
// A Cache is safe for concurrent readers; mutation is serialized by an
// internal mutex, matching the single-writer discipline the replication
// endpoint observes (only the local slave on truncate/append, or the
// local master on changeToMaster, ever mutates a given Cache).
type Cache struct {
	mu      sync.RWMutex
	store   Store
	entries []Entry
	// lastEndOffset is the end offset of entries[len(entries)-1], the one
	// entry whose end isn't implied by a following entry. It is not
	// persisted; it tracks the owning commit log's current write offset.
	lastEndOffset int64
}

// Store persists Cache entries. Implementations are fallible only on I/O;
// everything else in Cache is an in-memory, total operation.
type Store interface {
	Load() ([]Entry, error)
	Append(e Entry) error
	// Truncate rewrites the persisted file to contain exactly entries.
	Truncate(entries []Entry) error
}

// Open loads entries from store and returns a ready Cache. lastEndOffset
// should be set to the owning commit log's current max offset: the newest
// entry has no following entry to imply its end, so the caller (who knows
// where the log currently ends) must supply it.
func Open(store Store, lastEndOffset int64) (*Cache, error) {
	entries, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading epoch cache")
	}
	return &Cache{store: store, entries: entries, lastEndOffset: lastEndOffset}, nil
}

// SetLastEntryEndOffset updates the end offset of the newest entry. The
// slave-side replication.HAClient calls this after each replicated append
// from the master and when building the master's epoch view at handshake;
// nothing calls it for appends made locally on a master.
func (c *Cache) SetLastEntryEndOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEndOffset = offset
}

// Append adds a new Entry. epoch must exceed the current max epoch and
// startOffset must be at least the current last entry's end offset.
func (c *Cache) Append(epoch uint32, startOffset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.entries); n > 0 {
		var last = c.entries[n-1]
		if epoch <= last.Epoch {
			return errors.Errorf("epoch: new epoch %d must exceed current max %d", epoch, last.Epoch)
		}
		if startOffset < c.lastEndOffset {
			return errors.Errorf("epoch: new startOffset %d precedes current end offset %d", startOffset, c.lastEndOffset)
		}
	}
	var e = Entry{Epoch: epoch, StartOffset: startOffset}
	if err := c.store.Append(e); err != nil {
		return errors.Wrap(err, "persisting epoch entry")
	}
	c.entries = append(c.entries, e)
	c.lastEndOffset = startOffset
	return nil
}

// LastEntry returns the newest entry and true, or the zero Entry and
// false if the cache is empty.
func (c *Cache) LastEntry() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// LastEntryEndOffset returns the current end offset of the newest entry.
func (c *Cache) LastEntryEndOffset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEndOffset
}

// FindByEpoch returns the entry for epoch e.
func (c *Cache) FindByEpoch(e uint32) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var i = sort.Search(len(c.entries), func(i int) bool { return c.entries[i].Epoch >= e })
	if i == len(c.entries) || c.entries[i].Epoch != e {
		return Entry{}, ErrNotFound
	}
	return c.entries[i], nil
}

// EndOffset returns the end offset of the entry owning epoch e: the
// StartOffset of the entry immediately following it, or lastEndOffset if
// e is the newest epoch.
func (c *Cache) EndOffset(e uint32) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var i = sort.Search(len(c.entries), func(i int) bool { return c.entries[i].Epoch >= e })
	if i == len(c.entries) || c.entries[i].Epoch != e {
		return 0, ErrNotFound
	}
	if i == len(c.entries)-1 {
		return c.lastEndOffset, nil
	}
	return c.entries[i+1].StartOffset, nil
}

// Entries returns a copy of the cache's current entries, oldest first.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out = make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// TruncateSuffixFromOffset drops every entry whose range lies entirely at
// or beyond offset, and shrinks the containing entry's implicit end so
// the cache never again claims data past offset. It is used by a slave
// discarding a divergent tail of its log.
//
// Applying the same truncation twice is a no-op: if offset already equals
// the cache's end offset, nothing changes.
func (c *Cache) TruncateSuffixFromOffset(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil
	}
	var keep = len(c.entries)
	for keep > 0 && c.entries[keep-1].StartOffset >= offset {
		keep--
	}
	var dropped = c.entries[keep:]
	c.entries = c.entries[:keep]

	if len(c.entries) == 0 {
		c.lastEndOffset = 0
	} else {
		c.lastEndOffset = offset
	}
	_ = dropped

	if err := c.store.Truncate(c.entries); err != nil {
		return errors.Wrap(err, "truncating epoch cache")
	}
	return nil
}

// TruncatePrefixBeforeOffset drops every entry entirely below offset and
// adjusts the containing entry's StartOffset forward to offset. Used when
// a commit log's head is reclaimed (e.g. by file deletion) independent of
// replication truncation.
func (c *Cache) TruncatePrefixBeforeOffset(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drop = 0
	for drop < len(c.entries) {
		var endOffset int64
		if drop == len(c.entries)-1 {
			endOffset = c.lastEndOffset
		} else {
			endOffset = c.entries[drop+1].StartOffset
		}
		if endOffset > offset {
			break
		}
		drop++
	}
	c.entries = c.entries[drop:]
	if len(c.entries) > 0 && c.entries[0].StartOffset < offset {
		c.entries[0].StartOffset = offset
	}
	if err := c.store.Truncate(c.entries); err != nil {
		return errors.Wrap(err, "truncating epoch cache prefix")
	}
	return nil
}

// FindConsistentPoint returns the largest offset at which local and remote
// logs are known to be byte-identical, per spec: the greatest shared
// epoch whose StartOffset agrees between the two caches, capped by the
// lesser of the two caches' end offset for that epoch. It returns -1 if
// no such epoch exists, meaning the slave must discard its entire log.
//
// remoteLastEndOffset is the remote cache's end offset for its newest
// entry (the remote doesn't persist this either; the caller learns it
// from the handshake response's maxOffset field).
func FindConsistentPoint(local, remote *Cache, remoteLastEndOffset int64) int64 {
	local.mu.RLock()
	remote.mu.RLock()
	defer local.mu.RUnlock()
	defer remote.mu.RUnlock()

	var remoteEnd = func(i int) int64 {
		if i == len(remote.entries)-1 {
			return remoteLastEndOffset
		}
		return remote.entries[i+1].StartOffset
	}
	var localEnd = func(i int) int64 {
		if i == len(local.entries)-1 {
			return local.lastEndOffset
		}
		return local.entries[i+1].StartOffset
	}

	// Entries are sorted ascending by Epoch in both caches. Walk from the
	// newest entry of each backward, skipping past whichever side has the
	// larger epoch at each step, so every epoch number present in both
	// caches is visited exactly once, newest first.
	var li, ri = len(local.entries) - 1, len(remote.entries) - 1
	for li >= 0 && ri >= 0 {
		var le, re = local.entries[li], remote.entries[ri]
		switch {
		case le.Epoch > re.Epoch:
			li--
		case re.Epoch > le.Epoch:
			ri--
		case le.StartOffset == re.StartOffset:
			var lEnd, rEnd = localEnd(li), remoteEnd(ri)
			if lEnd < rEnd {
				return lEnd
			}
			return rEnd
		default:
			// Same epoch number, divergent history: not a valid e*, but an
			// older shared epoch might still agree.
			li--
			ri--
		}
	}
	return -1
}
