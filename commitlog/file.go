package commitlog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FileLog is a haspi.CommitLog backed by a single append-only *os.File,
// grounded on the teacher's notion of a single exclusively-owned,
// sequentially-written spool (broker/append_fsm.go's fragment.Spool):
// like a Spool, a FileLog has exactly one writer at a time and grows only
// by appending at its current end.
type FileLog struct {
	mu   sync.RWMutex
	file *os.File
	size int64
}

// OpenFileLog opens (creating if necessary) the log file at path.
func OpenFileLog(path string) (*FileLog, error) {
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening commit log file %q", path)
	}
	var info, err2 = f.Stat()
	if err2 != nil {
		f.Close()
		return nil, errors.Wrap(err2, "stat commit log file")
	}
	return &FileLog{file: f, size: info.Size()}, nil
}

func (l *FileLog) Close() error { return l.file.Close() }

func (l *FileLog) MaxPhyOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

func (l *FileLog) AppendToCommitLog(offset int64, body []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset != l.size {
		return false
	}
	if _, err := l.file.WriteAt(body, offset); err != nil {
		return false
	}
	l.size += int64(len(body))
	return true
}

func (l *FileLog) TruncateFiles(offset int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 || offset > l.size {
		return false
	}
	if err := l.file.Truncate(offset); err != nil {
		return false
	}
	l.size = offset
	return true
}

func (l *FileLog) GetMinOffset() int64 { return 0 }

func (l *FileLog) GetMessage(offset int64, size int32) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 || offset+int64(size) > l.size {
		return nil
	}
	var out = make([]byte, size)
	if _, err := l.file.ReadAt(out, offset); err != nil && err != io.EOF {
		return nil
	}
	return out
}

func (l *FileLog) Now() int64 { return time.Now().UnixMilli() }
