package raft

// State is the role a node currently has within the cluster.
type State uint32

const (
	// Follower is the initial state of a node. Followers respond to RPCs
	// from leaders and candidates but issue none of their own.
	Follower State = iota

	// Candidate is the state of a node that is actively campaigning to
	// become the leader after an election timeout elapsed.
	Candidate

	// Leader is the state of the node that accepts client operations and
	// replicates them to the rest of the cluster. There is at most one
	// legitimate leader per term.
	Leader

	// Shutdown is the state of a node that has been stopped or has not
	// yet been started.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		panic("invalid state")
	}
}

// Status is a snapshot of the externally visible state of a node.
type Status struct {
	// The ID of the node.
	ID string

	// The network address the node serves RPCs at.
	Address string

	// The current term.
	Term uint64

	// The index of the highest log entry known to be committed.
	CommitIndex uint64

	// The index of the highest log entry applied to the state machine.
	LastApplied uint64

	// The current role of the node.
	State State
}
