package raft

import "fmt"

const errIndexDoesNotExist = "log does not contain index %d"

// VolatileLog is the in-memory index over the entries of a persistent log.
type VolatileLog struct {
	entries []*LogEntry
}

func NewVolatileLog() *VolatileLog {
	return &VolatileLog{entries: make([]*LogEntry, 0)}
}

func (l *VolatileLog) Size() int {
	return len(l.entries)
}

func (l *VolatileLog) FirstIndex() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Index
}

func (l *VolatileLog) LastIndex() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *VolatileLog) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *VolatileLog) AppendEntries(entries ...*LogEntry) {
	l.entries = append(l.entries, entries...)
}

func (l *VolatileLog) GetEntry(index uint64) (*LogEntry, error) {
	if !l.Contains(index) {
		return nil, fmt.Errorf(errIndexDoesNotExist, index)
	}
	return l.entries[index-l.entries[0].Index], nil
}

// Truncate removes the entry at the provided index and all entries that
// follow it.
func (l *VolatileLog) Truncate(index uint64) error {
	if !l.Contains(index) {
		return fmt.Errorf(errIndexDoesNotExist, index)
	}
	l.entries = l.entries[:index-l.entries[0].Index]
	return nil
}

// Compact removes all entries preceding the provided index, retaining the
// entry at the index itself.
func (l *VolatileLog) Compact(index uint64) error {
	if !l.Contains(index) {
		return fmt.Errorf(errIndexDoesNotExist, index)
	}
	retained := l.entries[index-l.entries[0].Index:]
	l.entries = make([]*LogEntry, len(retained))
	copy(l.entries, retained)
	return nil
}

func (l *VolatileLog) Clear() {
	l.entries = make([]*LogEntry, 0)
}

func (l *VolatileLog) Contains(index uint64) bool {
	if len(l.entries) == 0 {
		return false
	}
	return l.entries[0].Index <= index && index <= l.entries[len(l.entries)-1].Index
}
