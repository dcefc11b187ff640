package raft

// LogEntryType is the type of a log entry.
type LogEntryType uint32

const (
	// NoOpEntry is an entry appended by a newly elected leader. It carries
	// no operation and is never handed to the state machine, but committing
	// it pulls entries from earlier terms to commitment.
	NoOpEntry LogEntryType = iota

	// OperationEntry is an entry containing a client submitted operation.
	OperationEntry
)

// LogEntry is an entry in the replicated log. Once an entry has been
// replicated to a majority of the cluster at its own term, it is committed
// and will never be overwritten.
type LogEntry struct {
	// The index of the entry in the log.
	Index uint64

	// The term in which the entry was created by a leader.
	Term uint64

	// The operation carried by the entry, opaque to the log.
	Data []byte

	// The type of the entry.
	EntryType LogEntryType

	// The offset of the entry within the log file. Maintained by the log,
	// not part of the replicated content.
	Offset int64
}

// NewLogEntry creates a new LogEntry with the provided index, term, data,
// and entry type.
func NewLogEntry(index uint64, term uint64, data []byte, entryType LogEntryType) *LogEntry {
	return &LogEntry{Index: index, Term: term, Data: data, EntryType: entryType}
}

// IsConflict returns true if this entry occupies the same index as other
// but was created in a different term.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Index == other.Index && e.Term != other.Term
}
