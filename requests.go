package raft

// AppendEntriesRequest is a request invoked by the leader to replicate log
// entries and also serves as a heartbeat.
type AppendEntriesRequest struct {
	// The leader's ID. Allows followers to redirect clients.
	LeaderID string

	// The leader's term.
	Term uint64

	// The leader's commit index.
	LeaderCommit uint64

	// The index of the log entry immediately preceding the new ones.
	PrevLogIndex uint64

	// The term of the log entry immediately preceding the new ones.
	PrevLogTerm uint64

	// The log entries to store (empty for heartbeat).
	Entries []*LogEntry
}

// AppendEntriesResponse is a response to a request to replicate log entries.
type AppendEntriesResponse struct {
	// The term of the node that received the request.
	Term uint64

	// Indicates whether the request to append entries was successful.
	Success bool

	// The index the leader should back its next attempt off to when the
	// consistency check fails.
	Index uint64
}

// RequestVoteRequest is a request invoked by candidates to gather votes.
type RequestVoteRequest struct {
	// The ID of the candidate requesting the vote.
	CandidateID string

	// The candidate's term.
	Term uint64

	// The index of the candidate's last log entry.
	LastLogIndex uint64

	// The term of the candidate's last log entry.
	LastLogTerm uint64
}

// RequestVoteResponse is a response to a request for a vote.
type RequestVoteResponse struct {
	// The term of the node that received the request.
	Term uint64

	// Indicates whether the vote was granted.
	VoteGranted bool
}

// InstallSnapshotRequest is invoked by the leader to send a snapshot to a
// follower that has fallen behind the leader's compacted log.
type InstallSnapshotRequest struct {
	// The leader's ID.
	LeaderID string

	// The leader's term.
	Term uint64

	// The snapshot replaces all entries up to and including this index.
	LastIncludedIndex uint64

	// The term associated with the last included index.
	LastIncludedTerm uint64

	// The serialized state of the state machine.
	Bytes []byte
}

// InstallSnapshotResponse is a response to a snapshot installation.
type InstallSnapshotResponse struct {
	// The term of the node that received the request.
	Term uint64
}
