package raft

import "time"

// OperationType is the type of an operation that is submitted to raft.
type OperationType uint32

const (
	// Replicated indicates that the operation will be written to the log and
	// replicated to the cluster. Guarantees linearizable semantics.
	Replicated OperationType = iota

	// LinearizableReadOnly indicates that the operation will not be written
	// to the log and that the receiving node must verify its leadership
	// through a round of heartbeats before applying it. Guarantees
	// linearizable semantics.
	LinearizableReadOnly

	// LeaseBasedReadOnly indicates that the operation will not be written to
	// the log and that the receiving node verifies its leadership via its
	// lease. Does not guarantee linearizable semantics - reads may be stale
	// if the lease is held by a deposed leader.
	LeaseBasedReadOnly
)

func (o OperationType) String() string {
	switch o {
	case Replicated:
		return "replicated"
	case LinearizableReadOnly:
		return "linearizableReadOnly"
	case LeaseBasedReadOnly:
		return "leaseBasedReadOnly"
	default:
		panic("invalid operation type")
	}
}

// Operation is an operation that will be applied to the state machine.
// An operation must be deterministic.
type Operation struct {
	// The operation as bytes. The provided state machine should be capable
	// of decoding these bytes.
	Bytes []byte

	// The type of the operation.
	OperationType OperationType

	// The log entry index associated with the operation.
	// Valid only for replicated operations.
	LogIndex uint64

	// The log entry term associated with the operation.
	// Valid only for replicated operations.
	LogTerm uint64

	// Indicates whether leadership was verified via a round of heartbeats
	// after this operation was submitted. Only applicable to linearizable
	// read-only operations.
	quorumVerified bool

	// The commit index at the time the operation was submitted. Only
	// applicable to read-only operations.
	readIndex uint64
}

// OperationResponse is the response produced after applying an operation
// to the state machine.
type OperationResponse struct {
	// The operation applied to the state machine.
	Operation Operation

	// The response returned by the state machine after applying the operation.
	ApplicationResponse interface{}
}

// operationManager tracks client operations that are waiting on replication
// or leadership verification. An instance only lives for the duration of a
// single leadership stint - it is recreated when leadership is acquired.
type operationManager struct {
	// Contains read-only operations waiting to be applied.
	pendingReadOnly map[*Operation]chan Result[OperationResponse]

	// Maps the log index associated with a replicated operation to its
	// response channel.
	pendingReplicated map[uint64]chan Result[OperationResponse]

	// Indicates whether a round of heartbeats should confirm leadership.
	shouldVerifyQuorum bool

	// The lease for lease-based reads.
	leaderLease *lease
}

func newOperationManager(leaseDuration time.Duration) *operationManager {
	return &operationManager{
		pendingReadOnly:   make(map[*Operation]chan Result[OperationResponse]),
		pendingReplicated: make(map[uint64]chan Result[OperationResponse]),
		leaderLease:       newLease(leaseDuration),
	}
}

// markAsVerified records that a quorum of the cluster has acknowledged this
// node's leadership since the pending linearizable reads were submitted.
func (m *operationManager) markAsVerified() {
	for operation := range m.pendingReadOnly {
		if operation.OperationType == LinearizableReadOnly {
			operation.quorumVerified = true
		}
	}
	m.shouldVerifyQuorum = false
}

// appliableReadOnlyOperations removes and returns the pending read-only
// operations that are safe to apply at the provided apply index.
func (m *operationManager) appliableReadOnlyOperations(
	applyIndex uint64,
) map[*Operation]chan Result[OperationResponse] {
	appliable := make(map[*Operation]chan Result[OperationResponse])
	for operation, responseCh := range m.pendingReadOnly {
		if operation.readIndex > applyIndex {
			continue
		}
		if operation.OperationType == LinearizableReadOnly && !operation.quorumVerified {
			continue
		}
		if operation.OperationType == LeaseBasedReadOnly && !m.leaderLease.isValid() {
			continue
		}
		appliable[operation] = responseCh
		delete(m.pendingReadOnly, operation)
	}
	return appliable
}

// notifyLostLeadership fails all pending operations with ErrNotLeader.
func (m *operationManager) notifyLostLeadership() {
	for _, responseCh := range m.pendingReadOnly {
		respond(responseCh, OperationResponse{}, ErrNotLeader)
	}
	for _, responseCh := range m.pendingReplicated {
		respond(responseCh, OperationResponse{}, ErrNotLeader)
	}
	m.pendingReadOnly = make(map[*Operation]chan Result[OperationResponse])
	m.pendingReplicated = make(map[uint64]chan Result[OperationResponse])
}

// respond delivers a result on the provided channel. Response channels are
// buffered and receive at most one result, so this never blocks.
func respond(
	responseCh chan Result[OperationResponse],
	response OperationResponse,
	err error,
) {
	responseCh <- newResult(response, err)
}
