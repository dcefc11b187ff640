package raft

import (
	"io"
	"os"
	"path/filepath"

	"github.com/skiff-io/raft/internal/errors"
)

// Error strings.
const (
	errInvalidIndex = "index %d does not exist"
	errLogOpen      = "log %s is already open"
	errLogClosed    = "log %s is closed"
)

// persistentLog implements the Log interface. Entries are stored in a single
// append-only file of framed records. An in-memory index over the entries is
// rebuilt from the file on replay.
type persistentLog struct {
	path string
	file *os.File
	vlog *VolatileLog
}

// NewLog creates a new Log instance. The file containing the entries will be
// located at path/log/log.bin, with directories created as necessary.
func NewLog(path string) (Log, error) {
	logDir := filepath.Join(path, "log")
	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		return nil, err
	}
	return &persistentLog{path: filepath.Join(logDir, "log.bin"), vlog: NewVolatileLog()}, nil
}

func (l *persistentLog) Open() error {
	if l.file != nil {
		return errors.WrapError(nil, errLogOpen, l.path)
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return errors.WrapError(err, "failed to open log")
	}
	l.file = file
	return nil
}

func (l *persistentLog) Replay() error {
	if l.file == nil {
		return errors.WrapError(nil, errLogClosed, l.path)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errors.WrapError(err, "failed to replay log")
	}

	for {
		offset, err := l.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed to replay log")
		}

		entry, err := decodeLogEntry(l.file)
		if err == io.EOF {
			break
		}
		// A partial record indicates a crash during a write. Everything up
		// to the last complete record is still valid.
		if err == io.ErrUnexpectedEOF {
			if err := l.file.Truncate(offset); err != nil {
				return errors.WrapError(err, "failed to replay log")
			}
			break
		}
		if err != nil {
			return errors.WrapError(err, "failed to replay log")
		}

		entry.Offset = offset
		l.vlog.AppendEntries(&entry)
	}

	return nil
}

func (l *persistentLog) Close() error {
	if l.file == nil {
		return errors.WrapError(nil, errLogClosed, l.path)
	}
	l.file.Close()
	l.file = nil
	l.vlog.Clear()
	return nil
}

func (l *persistentLog) GetEntry(index uint64) (*LogEntry, error) {
	if l.file == nil {
		return nil, errors.WrapError(nil, errLogClosed, l.path)
	}
	entry, err := l.vlog.GetEntry(index)
	if err != nil {
		return nil, errors.WrapError(nil, errInvalidIndex, index)
	}
	return entry, nil
}

func (l *persistentLog) Contains(index uint64) bool {
	return l.vlog.Contains(index)
}

func (l *persistentLog) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries(entry)
}

func (l *persistentLog) AppendEntries(entries ...*LogEntry) error {
	if l.file == nil {
		return errors.WrapError(nil, errLogClosed, l.path)
	}

	var toAppend []*LogEntry

	for i, entry := range entries {
		if l.vlog.LastIndex() < entry.Index {
			toAppend = entries[i:]
			break
		}

		existing, err := l.vlog.GetEntry(entry.Index)
		if err != nil {
			// The entry precedes the first retained index - it is already
			// covered by a snapshot.
			continue
		}

		if existing.IsConflict(entry) {
			if err := l.truncate(entry.Index); err != nil {
				return err
			}
			toAppend = entries[i:]
			break
		}
	}

	if err := l.persistEntries(toAppend...); err != nil {
		return err
	}
	l.vlog.AppendEntries(toAppend...)

	return nil
}

func (l *persistentLog) Truncate(index uint64) error {
	if l.file == nil {
		return errors.WrapError(nil, errLogClosed, l.path)
	}
	return l.truncate(index)
}

func (l *persistentLog) Compact(index uint64) error {
	if l.file == nil {
		return errors.WrapError(nil, errLogClosed, l.path)
	}
	if !l.vlog.Contains(index) {
		return errors.WrapError(nil, errInvalidIndex, index)
	}

	retained := make([]*LogEntry, 0, l.vlog.LastIndex()-index+1)
	for i := index; i <= l.vlog.LastIndex(); i++ {
		entry, err := l.vlog.GetEntry(i)
		if err != nil {
			return errors.WrapError(nil, errInvalidIndex, i)
		}
		retained = append(retained, entry)
	}

	if err := l.rewrite(retained); err != nil {
		return err
	}
	return l.vlog.Compact(index)
}

func (l *persistentLog) DiscardEntries(index uint64, term uint64) error {
	if l.file == nil {
		return errors.WrapError(nil, errLogClosed, l.path)
	}

	// The log is reset to a single synthetic entry at the snapshot boundary
	// so that consistency checks against the boundary succeed.
	base := NewLogEntry(index, term, nil, NoOpEntry)
	if err := l.rewrite([]*LogEntry{base}); err != nil {
		return err
	}

	l.vlog.Clear()
	l.vlog.AppendEntries(base)

	return nil
}

func (l *persistentLog) FirstIndex() uint64 {
	return l.vlog.FirstIndex()
}

func (l *persistentLog) LastIndex() uint64 {
	return l.vlog.LastIndex()
}

func (l *persistentLog) LastTerm() uint64 {
	return l.vlog.LastTerm()
}

func (l *persistentLog) NextIndex() uint64 {
	return l.vlog.LastIndex() + 1
}

func (l *persistentLog) Size() int {
	return l.vlog.Size()
}

// persistEntries writes the provided entries to the end of the log file,
// recording the offset each entry was written at.
func (l *persistentLog) persistEntries(entries ...*LogEntry) error {
	for _, entry := range entries {
		offset, err := l.file.Seek(0, io.SeekEnd)
		if err != nil {
			return errors.WrapError(err, "failed to append entries to log")
		}
		entry.Offset = offset
		if err := encodeLogEntry(l.file, entry); err != nil {
			return errors.WrapError(err, "failed to append entries to log")
		}
	}
	return nil
}

func (l *persistentLog) truncate(index uint64) error {
	entry, err := l.vlog.GetEntry(index)
	if err != nil {
		return errors.WrapError(nil, errInvalidIndex, index)
	}
	if err := l.file.Truncate(entry.Offset); err != nil {
		return errors.WrapError(err, "failed to truncate log")
	}
	return l.vlog.Truncate(index)
}

// rewrite atomically replaces the log file with one containing exactly the
// provided entries.
func (l *persistentLog) rewrite(entries []*LogEntry) error {
	dir := filepath.Dir(l.path)
	tmpFile, err := os.CreateTemp(dir, "tmp-")
	if err != nil {
		return errors.WrapError(err, "failed to rewrite log")
	}

	for _, entry := range entries {
		offset, err := tmpFile.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.WrapError(err, "failed to rewrite log")
		}
		entry.Offset = offset
		if err := encodeLogEntry(tmpFile, entry); err != nil {
			return errors.WrapError(err, "failed to rewrite log")
		}
	}

	if err := tmpFile.Sync(); err != nil {
		return errors.WrapError(err, "failed to rewrite log")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.WrapError(err, "failed to rewrite log")
	}
	if err := os.Rename(tmpFile.Name(), l.path); err != nil {
		return errors.WrapError(err, "failed to rewrite log")
	}

	l.file.Close()
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return errors.WrapError(err, "failed to rewrite log")
	}
	l.file = file

	return nil
}
