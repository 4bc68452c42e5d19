package epoch

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// recordSize is the on-disk width of a single Entry: epoch (uint32) then
// startOffset (int64), big-endian, per the wire contract in spec §6.
const recordSize = 4 + 8

// FileStore persists Entries to a flat, append-only file of fixed-width
// records. It holds the file open for the lifetime of the owning Cache;
// Truncate rewrites the file from scratch, which is acceptable since an
// epoch cache is expected to hold at most a few dozen entries.
type FileStore struct {
	path string
	file *os.File
}

// OpenFileStore opens (creating if necessary) the epoch cache file at path.
func OpenFileStore(path string) (*FileStore, error) {
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening epoch cache file %q", path)
	}
	return &FileStore{path: path, file: f}, nil
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	return s.file.Close()
}

// Load reads all persisted entries in file order.
func (s *FileStore) Load() ([]Entry, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seeking epoch cache file")
	}
	var buf [recordSize]byte
	var entries []Entry
	for {
		var _, err = io.ReadFull(s.file, buf[:])
		if err == io.EOF {
			break
		} else if err == io.ErrUnexpectedEOF {
			return nil, errors.New("epoch cache file: truncated trailing record")
		} else if err != nil {
			return nil, errors.Wrap(err, "reading epoch cache file")
		}
		entries = append(entries, decodeEntry(buf))
	}
	return entries, nil
}

// Append writes e to the end of the file and flushes it to stable storage.
func (s *FileStore) Append(e Entry) error {
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "seeking epoch cache file")
	}
	var buf = encodeEntry(e)
	if _, err := s.file.Write(buf[:]); err != nil {
		return errors.Wrap(err, "writing epoch cache record")
	}
	return errors.Wrap(s.file.Sync(), "syncing epoch cache file")
}

// Truncate rewrites the file to contain exactly entries.
func (s *FileStore) Truncate(entries []Entry) error {
	if err := s.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncating epoch cache file")
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking epoch cache file")
	}
	for _, e := range entries {
		var buf = encodeEntry(e)
		if _, err := s.file.Write(buf[:]); err != nil {
			return errors.Wrap(err, "rewriting epoch cache record")
		}
	}
	return errors.Wrap(s.file.Sync(), "syncing epoch cache file")
}

func encodeEntry(e Entry) [recordSize]byte {
	var buf [recordSize]byte
	binary.BigEndian.PutUint32(buf[0:4], e.Epoch)
	binary.BigEndian.PutUint64(buf[4:12], uint64(e.StartOffset))
	return buf
}

func decodeEntry(buf [recordSize]byte) Entry {
	return Entry{
		Epoch:       binary.BigEndian.Uint32(buf[0:4]),
		StartOffset: int64(binary.BigEndian.Uint64(buf[4:12])),
	}
}

// MemStore is an in-memory Store, useful for tests and for the temporary
// remote epoch view replication.HAClient builds during handshake.
type MemStore struct {
	entries []Entry
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Load() ([]Entry, error) {
	var out = make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemStore) Append(e Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemStore) Truncate(entries []Entry) error {
	s.entries = append([]Entry(nil), entries...)
	return nil
}
