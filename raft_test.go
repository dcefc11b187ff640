package raft

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeTestRaft(t *testing.T) *Raft {
	peers := makeClusterPeers(3)
	fsm := newStateMachineMock(false, 0)
	raft, err := NewRaft("0", peers, fsm, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { raft.log.Close() })
	return raft
}

// TestNewRaftDefaults checks that a newly created node has no persisted
// state and carries the default options.
func TestNewRaftDefaults(t *testing.T) {
	raft := makeTestRaft(t)

	require.Zero(t, raft.currentTerm)
	require.Zero(t, raft.commitIndex)
	require.Zero(t, raft.lastApplied)
	require.Zero(t, raft.lastIncludedIndex)
	require.Zero(t, raft.lastIncludedTerm)
	require.Empty(t, raft.votedFor)
	require.Equal(t, Shutdown, raft.state)

	require.Equal(t, defaultElectionTimeout, raft.options.electionTimeout)
	require.Equal(t, defaultHeartbeat, raft.options.heartbeatInterval)
	require.Equal(t, defaultLeaseDuration, raft.options.leaseDuration)
	require.NotNil(t, raft.options.logger)
}

// TestAppendEntriesSuccess checks that a well-formed append entries request
// is accepted and its entries committed up to the leader commit index.
func TestAppendEntriesSuccess(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 1

	request := &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         1,
		LeaderCommit: 1,
		Entries:      []*LogEntry{NewLogEntry(1, 1, []byte("operation1"), OperationEntry)},
	}
	response := &AppendEntriesResponse{}

	require.NoError(t, raft.appendEntries(request, response))
	require.True(t, response.Success)
	require.Equal(t, uint64(1), response.Term)
	require.Equal(t, uint64(1), raft.commitIndex)

	entry, err := raft.log.GetEntry(1)
	require.NoError(t, err)
	validateLogEntry(t, entry, 1, 1, []byte("operation1"))
}

// TestAppendEntriesStaleTerm checks that a request from a deposed leader is
// rejected.
func TestAppendEntriesStaleTerm(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 3

	request := &AppendEntriesRequest{LeaderID: "test-leader", Term: 2}
	response := &AppendEntriesResponse{}

	require.NoError(t, raft.appendEntries(request, response))
	require.False(t, response.Success)
	require.Equal(t, uint64(3), response.Term)
}

// TestAppendEntriesConsistencyCheck checks that a request whose previous
// entry does not match is rejected with the first index of the conflicting
// term.
func TestAppendEntriesConsistencyCheck(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 3

	require.NoError(t, raft.log.AppendEntries(
		NewLogEntry(1, 1, []byte("operation1"), OperationEntry),
		NewLogEntry(2, 1, []byte("operation2"), OperationEntry),
		NewLogEntry(3, 2, []byte("operation3"), OperationEntry),
		NewLogEntry(4, 2, []byte("operation4"), OperationEntry),
	))

	request := &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         3,
		PrevLogIndex: 4,
		PrevLogTerm:  3,
	}
	response := &AppendEntriesResponse{}

	require.NoError(t, raft.appendEntries(request, response))
	require.False(t, response.Success)
	require.Equal(t, uint64(3), response.Index)
}

// TestAppendEntriesMissingEntries checks that a follower whose log is too
// short directs the leader to its next index.
func TestAppendEntriesMissingEntries(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 1

	require.NoError(t, raft.log.AppendEntry(NewLogEntry(1, 1, []byte("operation1"), OperationEntry)))

	request := &AppendEntriesRequest{
		LeaderID:     "test-leader",
		Term:         1,
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	}
	response := &AppendEntriesResponse{}

	require.NoError(t, raft.appendEntries(request, response))
	require.False(t, response.Success)
	require.Equal(t, uint64(2), response.Index)
}

// TestAppendEntriesLeaderStepDown checks that a leader steps down when it
// receives a request with a greater term than its own.
func TestAppendEntriesLeaderStepDown(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Leader
	raft.currentTerm = 1
	raft.votedFor = "0"

	request := &AppendEntriesRequest{LeaderID: "other-leader", Term: 3}
	response := &AppendEntriesResponse{}

	require.NoError(t, raft.appendEntries(request, response))
	require.True(t, response.Success)
	require.Equal(t, uint64(3), response.Term)

	require.Equal(t, Follower, raft.state)
	require.Equal(t, uint64(3), raft.currentTerm)
	require.Empty(t, raft.votedFor)
}

// TestRequestVoteGrant checks that a vote is granted to an up-to-date
// candidate and persisted.
func TestRequestVoteGrant(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower

	request := &RequestVoteRequest{CandidateID: "1", Term: 1}
	response := &RequestVoteResponse{}

	require.NoError(t, raft.requestVote(request, response))
	require.True(t, response.VoteGranted)
	require.Equal(t, uint64(1), response.Term)
	require.Equal(t, "1", raft.votedFor)

	term, votedFor, err := raft.stateStorage.State()
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	require.Equal(t, "1", votedFor)
}

// TestRequestVoteAlreadyVoted checks that at most one vote is granted per
// term.
func TestRequestVoteAlreadyVoted(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 1
	raft.votedFor = "1"

	request := &RequestVoteRequest{CandidateID: "2", Term: 1}
	response := &RequestVoteResponse{}

	require.NoError(t, raft.requestVote(request, response))
	require.False(t, response.VoteGranted)

	// Voting again for the same candidate is allowed.
	request = &RequestVoteRequest{CandidateID: "1", Term: 1}
	response = &RequestVoteResponse{}

	require.NoError(t, raft.requestVote(request, response))
	require.True(t, response.VoteGranted)
}

// TestRequestVoteStaleLog checks that a vote is denied to a candidate whose
// log is less up to date than this node's.
func TestRequestVoteStaleLog(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 2

	require.NoError(t, raft.log.AppendEntries(
		NewLogEntry(1, 1, []byte("operation1"), OperationEntry),
		NewLogEntry(2, 2, []byte("operation2"), OperationEntry),
	))

	// The candidate's last log term is older.
	request := &RequestVoteRequest{CandidateID: "1", Term: 3, LastLogIndex: 5, LastLogTerm: 1}
	response := &RequestVoteResponse{}
	require.NoError(t, raft.requestVote(request, response))
	require.False(t, response.VoteGranted)

	// The candidate's last log term matches but its log is shorter.
	request = &RequestVoteRequest{CandidateID: "1", Term: 4, LastLogIndex: 1, LastLogTerm: 2}
	response = &RequestVoteResponse{}
	require.NoError(t, raft.requestVote(request, response))
	require.False(t, response.VoteGranted)
}

// TestRequestVoteStaleTerm checks that a vote is denied to a candidate from
// an earlier term.
func TestRequestVoteStaleTerm(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 2

	request := &RequestVoteRequest{CandidateID: "1", Term: 1}
	response := &RequestVoteResponse{}

	require.NoError(t, raft.requestVote(request, response))
	require.False(t, response.VoteGranted)
	require.Equal(t, uint64(2), response.Term)
}

// TestInstallSnapshotSuccess checks that a snapshot is installed, the state
// machine restored, and the log discarded up to the snapshot boundary.
func TestInstallSnapshotSuccess(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 1

	snapshotBytes, err := encodeOperations([][]byte{[]byte("operation1"), []byte("operation2")})
	require.NoError(t, err)

	request := &InstallSnapshotRequest{
		LeaderID:          "test-leader",
		Term:              1,
		LastIncludedIndex: 5,
		LastIncludedTerm:  1,
		Bytes:             snapshotBytes,
	}
	response := &InstallSnapshotResponse{}

	require.NoError(t, raft.installSnapshot(request, response))
	require.Equal(t, uint64(1), response.Term)

	require.Equal(t, uint64(5), raft.commitIndex)
	require.Equal(t, uint64(5), raft.lastApplied)
	require.Equal(t, uint64(5), raft.lastIncludedIndex)
	require.Equal(t, uint64(1), raft.lastIncludedTerm)

	require.Equal(t, uint64(5), raft.log.FirstIndex())
	require.Equal(t, uint64(6), raft.log.NextIndex())

	fsm := raft.fsm.(*stateMachineMock)
	require.Len(t, fsm.appliedOperations(), 2)

	snapshot, err := raft.snapshotStorage.LastSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(5), snapshot.LastIncludedIndex)
}

// TestInstallSnapshotStale checks that a snapshot this node has already
// applied past is ignored.
func TestInstallSnapshotStale(t *testing.T) {
	raft := makeTestRaft(t)
	raft.state = Follower
	raft.currentTerm = 1
	raft.lastApplied = 10
	raft.commitIndex = 10

	request := &InstallSnapshotRequest{
		LeaderID:          "test-leader",
		Term:              1,
		LastIncludedIndex: 5,
		LastIncludedTerm:  1,
		Bytes:             []byte("state"),
	}
	response := &InstallSnapshotResponse{}

	require.NoError(t, raft.installSnapshot(request, response))
	require.Equal(t, uint64(10), raft.lastApplied)
	require.Zero(t, raft.lastIncludedIndex)
}

// TestBasicElection checks that a fully connected cluster elects a single
// leader.
func TestBasicElection(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
}

// TestElectLeaderDisconnect checks that the cluster elects a new leader
// after the current one is disconnected.
func TestElectLeaderDisconnect(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	tc.disconnectServer(leader)

	tc.checkLeaders(false)
}

// TestFailElectLeaderDisconnect checks that no leader can be elected when a
// majority of the cluster is unreachable.
func TestFailElectLeaderDisconnect(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	tc.disconnectServer(leader)
	tc.disconnectServer((leader + 1) % 3)

	tc.checkLeaders(true)
}

// TestBasicSubmit checks that a single operation is replicated to the entire
// cluster.
func TestBasicSubmit(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	operations := makeOperations(1)
	tc.submit(operations[0], false, false, 3)
}

// TestMultipleSubmit checks that a sequence of operations is replicated to
// the entire cluster in order.
func TestMultipleSubmit(t *testing.T) {
	tc := newCluster(t, 5, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	operations := makeOperations(50)
	for _, operation := range operations {
		tc.submit(operation, false, false, 5)
	}

	tc.checkStateMachines(5, 3*time.Second)
}

// TestSubmitNotLeader checks that an operation submitted to a follower fails
// with ErrNotLeader.
func TestSubmitNotLeader(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	follower := tc.rafts[(leader+1)%3]

	future := follower.SubmitOperation([]byte("operation"), Replicated, 200*time.Millisecond)
	require.ErrorIs(t, future.Await().Error(), ErrNotLeader)
}

// TestSubmitDisconnect checks that operations are still applied after the
// leader is disconnected, as long as a quorum remains.
func TestSubmitDisconnect(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	tc.disconnectServer(leader)

	operations := makeOperations(10)
	for _, operation := range operations {
		tc.submit(operation, true, false, 2)
	}
}

// TestSubmitDisconnectFail checks that operations are not applied when a
// majority of the cluster is unreachable.
func TestSubmitDisconnectFail(t *testing.T) {
	tc := newCluster(t, 5, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	tc.disconnectServer(leader)
	tc.disconnectServer((leader + 1) % 5)
	tc.disconnectServer((leader + 2) % 5)

	operations := makeOperations(1)
	tc.submit(operations[0], true, true, 1)
}

// TestBasicPartition checks that the majority partition of the cluster makes
// progress and that the cluster converges once the partition heals.
func TestBasicPartition(t *testing.T) {
	tc := newCluster(t, 5, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	tc.createPartition()
	tc.checkLeaders(false)

	operations := makeOperations(10)
	for _, operation := range operations {
		tc.submit(operation, true, false, 3)
	}

	tc.reconnectAllServers()
	tc.checkStateMachines(5, 5*time.Second)
}

// TestCrashRejoin checks that a crashed node recovers its state from disk
// and catches up with the cluster after restarting.
func TestCrashRejoin(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	operations := makeOperations(30)
	for _, operation := range operations[:10] {
		tc.submit(operation, true, false, 3)
	}

	tc.crashServer(leader)
	for _, operation := range operations[10:20] {
		tc.submit(operation, true, false, 2)
	}

	tc.restartServer(leader)
	for _, operation := range operations[20:] {
		tc.submit(operation, true, false, 3)
	}

	tc.checkStateMachines(3, 5*time.Second)
}

// TestAllCrash checks that the cluster recovers after every node crashes and
// restarts.
func TestAllCrash(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	operations := makeOperations(20)
	for _, operation := range operations[:10] {
		tc.submit(operation, true, false, 3)
	}

	for i := 0; i < 3; i++ {
		tc.crashServer(i)
	}
	for i := 0; i < 3; i++ {
		tc.restartServer(i)
	}

	tc.checkLeaders(false)
	for _, operation := range operations[10:] {
		tc.submit(operation, true, false, 3)
	}

	tc.checkStateMachines(3, 5*time.Second)
}

// TestBasicSnapshot checks that nodes take snapshots and compact their logs
// once the log grows past the snapshot threshold.
func TestBasicSnapshot(t *testing.T) {
	tc := newCluster(t, 3, true, 25)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	operations := makeOperations(50)
	for _, operation := range operations {
		tc.submit(operation, true, false, 3)
	}

	tc.checkStateMachines(3, 5*time.Second)

	// At least one node must have taken a snapshot by now.
	tookSnapshot := false
	for _, raft := range tc.rafts {
		snapshots, err := raft.snapshotStorage.ListSnapshots()
		require.NoError(t, err)
		if len(snapshots) > 0 {
			tookSnapshot = true
		}
	}
	require.True(t, tookSnapshot)
}

// TestSnapshotInstallOnLagging checks that a node that falls behind the
// leader's compacted log is brought up to date with a snapshot.
func TestSnapshotInstallOnLagging(t *testing.T) {
	tc := newCluster(t, 3, true, 10)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	follower := (leader + 1) % 3
	tc.disconnectServer(follower)

	operations := makeOperations(30)
	for _, operation := range operations {
		tc.submit(operation, true, false, 2)
	}

	tc.reconnectServer(follower)
	tc.checkStateMachines(3, 10*time.Second)
}

// TestLinearizableReadOnly checks that a linearizable read-only operation
// submitted to the leader is served after a round of heartbeats.
func TestLinearizableReadOnly(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	operations := makeOperations(5)
	for _, operation := range operations {
		tc.submit(operation, true, false, 3)
	}

	result := tc.submitReadOnly([]byte("read"), LinearizableReadOnly)
	require.NoError(t, result.Error())
	require.Equal(t, LinearizableReadOnly, result.Success().Operation.OperationType)
	require.NotNil(t, result.Success().ApplicationResponse)
}

// TestLeaseBasedReadOnly checks that a lease-based read-only operation is
// served while the leader holds a valid lease.
func TestLeaseBasedReadOnly(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	tc.checkLeaders(false)
	operations := makeOperations(5)
	for _, operation := range operations {
		tc.submit(operation, true, false, 3)
	}

	result := tc.submitReadOnly([]byte("read"), LeaseBasedReadOnly)
	require.NoError(t, result.Error())
	require.Equal(t, LeaseBasedReadOnly, result.Success().Operation.OperationType)
	require.NotNil(t, result.Success().ApplicationResponse)
}

// TestStatus checks that the reported status reflects the node's view of
// the cluster.
func TestStatus(t *testing.T) {
	tc := newCluster(t, 3, false, 0)
	tc.startCluster()
	defer tc.stopCluster()

	leader := tc.checkLeaders(false)
	status := tc.rafts[leader].Status()

	require.Equal(t, fmt.Sprint(leader), status.ID)
	require.Equal(t, Leader, status.State)
	require.NotZero(t, status.Term)
}
