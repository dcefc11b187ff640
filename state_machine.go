package raft

// StateMachine is an interface representing a replicated state machine.
// Implementations must be deterministic and concurrent safe.
type StateMachine interface {
	// Apply applies the provided operation to the state machine and
	// returns the result.
	Apply(operation *Operation) interface{}

	// Snapshot returns a serialized capture of the current state of the
	// state machine. The bytes must be understood by Restore.
	Snapshot() ([]byte, error)

	// Restore recovers the state of the state machine from a snapshot
	// produced by Snapshot.
	Restore(snapshot *Snapshot) error

	// NeedSnapshot returns true if a snapshot should be taken given the
	// current number of retained log entries.
	NeedSnapshot(logSize int) bool
}
