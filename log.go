package raft

// Log represents the component of Raft responsible for durably storing the
// replicated log. Implementations need not be concurrent safe - the consensus
// core serializes all access to the log.
type Log interface {
	// Open opens the log for reading and writing.
	Open() error

	// Replay reads the persisted state of the log into memory. The log
	// must be open.
	Replay() error

	// Close closes the log. Any future operations on a closed log return
	// an error.
	Close() error

	// GetEntry returns the entry at the provided index. An error is
	// returned if the index is not retained by the log.
	GetEntry(index uint64) (*LogEntry, error)

	// Contains returns true if the log retains an entry at the provided
	// index.
	Contains(index uint64) bool

	// AppendEntry appends a single entry to the log.
	AppendEntry(entry *LogEntry) error

	// AppendEntries appends the provided entries to the log. If an entry
	// conflicts with an existing one (same index, different term), the
	// existing entry and everything that follows it is truncated before
	// the new entries are appended.
	AppendEntries(entries ...*LogEntry) error

	// Truncate removes the entry at the provided index and all entries
	// that follow it.
	Truncate(index uint64) error

	// Compact removes all entries preceding the provided index. The entry
	// at the index itself is retained so that consistency checks against
	// the compaction boundary still succeed.
	Compact(index uint64) error

	// DiscardEntries removes all entries and resets the log to a single
	// synthetic entry with the provided index and term. Used when a
	// snapshot replaces the entire log.
	DiscardEntries(index uint64, term uint64) error

	// FirstIndex returns the index of the first retained entry, or zero
	// if the log is empty.
	FirstIndex() uint64

	// LastIndex returns the index of the last entry, or zero if the log
	// is empty.
	LastIndex() uint64

	// LastTerm returns the term of the last entry, or zero if the log
	// is empty.
	LastTerm() uint64

	// NextIndex returns the index that will be assigned to the next
	// appended entry.
	NextIndex() uint64

	// Size returns the number of entries retained by the log.
	Size() int
}
