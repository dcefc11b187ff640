package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skiff-io/raft/internal/errors"
	"github.com/skiff-io/raft/internal/random"
	"github.com/stretchr/testify/require"
)

func validateLogEntry(
	t *testing.T,
	entry *LogEntry,
	expectedIndex uint64,
	expectedTerm uint64,
	expectedData []byte,
) {
	require.Equal(t, expectedIndex, entry.Index)
	require.Equal(t, expectedTerm, entry.Term)
	require.Equal(t, expectedData, entry.Data)
}

func validateSnapshot(t *testing.T, expected *Snapshot, actual *Snapshot) {
	require.Equal(t, expected.LastIncludedIndex, actual.LastIncludedIndex)
	require.Equal(t, expected.LastIncludedTerm, actual.LastIncludedTerm)
	require.Equal(t, expected.Data, actual.Data)
}

func makeOperations(numOperations int) [][]byte {
	operations := make([][]byte, numOperations)
	for i := 1; i <= numOperations; i++ {
		operations[i-1] = []byte(fmt.Sprintf("operation %d", i))
	}
	return operations
}

// Each server in a cluster is assigned a unique loopback port so that
// clusters created by different tests never collide.
var nextPort int32 = 25000

func makeClusterPeers(numServers int) map[string]string {
	peers := make(map[string]string, numServers)
	for i := 0; i < numServers; i++ {
		port := atomic.AddInt32(&nextPort, 1)
		peers[fmt.Sprint(i)] = fmt.Sprintf("127.0.0.1:%d", port)
	}
	return peers
}

func encodeOperations(operations [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(operations); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOperations(data []byte) ([][]byte, error) {
	var operations [][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&operations); err != nil {
		return nil, err
	}
	return operations, nil
}

// stateMachineMock records the operations applied to it in order. Its
// snapshot is the recorded sequence of operations.
type stateMachineMock struct {
	operations   [][]byte
	snapshotting bool
	snapshotSize int
	mu           sync.Mutex
}

func newStateMachineMock(snapshotting bool, snapshotSize int) *stateMachineMock {
	return &stateMachineMock{
		operations:   make([][]byte, 0),
		snapshotting: snapshotting,
		snapshotSize: snapshotSize,
	}
}

func (s *stateMachineMock) Apply(operation *Operation) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, operation.Bytes)
	return len(s.operations)
}

func (s *stateMachineMock) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshotBytes, err := encodeOperations(s.operations)
	if err != nil {
		return nil, errors.WrapError(err, "failed to encode state machine state")
	}
	return snapshotBytes, nil
}

func (s *stateMachineMock) Restore(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	operations, err := decodeOperations(snapshot.Data)
	if err != nil {
		return errors.WrapError(err, "failed to decode state machine state")
	}
	s.operations = operations
	return nil
}

func (s *stateMachineMock) NeedSnapshot(logSize int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotting && logSize >= s.snapshotSize
}

func (s *stateMachineMock) appliedOperations() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	operations := make([][]byte, len(s.operations))
	copy(operations, s.operations)
	return operations
}

type testCluster struct {
	// The testing instance associated with the cluster.
	t *testing.T

	// The nodes that make up the cluster.
	rafts []*Raft

	// The state machine associated with each node, where fsms[i]
	// corresponds to the state machine for rafts[i].
	fsms []*stateMachineMock

	// The directory containing the persistent state for each node, where
	// dirs[i] corresponds to the directory for rafts[i].
	dirs []string

	// The IDs and addresses of all members of the cluster.
	peers map[string]string

	// Whether rafts[i] is disconnected from the rest of the cluster.
	disconnected []bool

	// Whether snapshotting is enabled and, if so, the log size that
	// triggers a snapshot.
	snapshotting bool
	snapshotSize int

	mu sync.Mutex
}

func newCluster(t *testing.T, numServers int, snapshotting bool, snapshotSize int) *testCluster {
	rafts := make([]*Raft, numServers)
	fsms := make([]*stateMachineMock, numServers)
	dirs := make([]string, numServers)
	disconnected := make([]bool, numServers)
	peers := makeClusterPeers(numServers)

	for i := 0; i < numServers; i++ {
		fsms[i] = newStateMachineMock(snapshotting, snapshotSize)
		dirs[i] = t.TempDir()

		raft, err := NewRaft(fmt.Sprint(i), peers, fsms[i], dirs[i])
		if err != nil {
			t.Fatalf("failed to create cluster node: node = %d, error = %s", i, err.Error())
		}
		rafts[i] = raft
	}

	return &testCluster{
		t:            t,
		rafts:        rafts,
		fsms:         fsms,
		dirs:         dirs,
		peers:        peers,
		disconnected: disconnected,
		snapshotting: snapshotting,
		snapshotSize: snapshotSize,
	}
}

func (tc *testCluster) startCluster() {
	for i, raft := range tc.rafts {
		if err := raft.Start(); err != nil {
			tc.t.Fatalf("failed to start cluster node: node = %d, error = %s", i, err.Error())
		}
	}
}

func (tc *testCluster) stopCluster() {
	for _, raft := range tc.rafts {
		raft.Stop()
	}
}

// submit submits the provided operation to the cluster and waits for it to
// be applied by at least expectedApplied state machines. If retry is true,
// submission is attempted for up to five seconds to ride out elections.
func (tc *testCluster) submit(
	operation []byte,
	retry bool,
	expectFail bool,
	expectedApplied int,
) {
	// Time between submission attempts. If no leader was found, allow for
	// an election to complete.
	electionTimeout := 300 * time.Millisecond

	start := time.Now()
	for time.Since(start).Seconds() < 5 {
		for i := 0; i < len(tc.rafts); i++ {
			tc.mu.Lock()
			raft := tc.rafts[i]
			tc.mu.Unlock()

			// Submit the operation. This node might be the leader.
			future := raft.SubmitOperation(operation, Replicated, 200*time.Millisecond)
			result := future.Await()
			if result.Error() != nil {
				continue
			}

			response := result.Success()
			require.Equal(tc.t, operation, response.Operation.Bytes)

			// The operation made it into the leader's state machine. Wait
			// for it to reach the expected number of state machines.
			for j := 0; j < 10; j++ {
				if tc.numApplied(operation) >= expectedApplied {
					if expectFail {
						tc.t.Fatalf(
							"cluster applied an operation without quorum: operation = %s",
							string(operation),
						)
					}
					return
				}
				time.Sleep(25 * time.Millisecond)
			}
		}

		if !retry {
			break
		}

		time.Sleep(electionTimeout)
	}

	if !expectFail {
		tc.t.Fatalf("cluster failed to apply operation: operation = %s", string(operation))
	}
}

// submitReadOnly submits the provided read-only operation to the leader of
// the cluster and returns the result.
func (tc *testCluster) submitReadOnly(
	operation []byte,
	operationType OperationType,
) Result[OperationResponse] {
	leader := tc.checkLeaders(false)

	tc.mu.Lock()
	raft := tc.rafts[leader]
	tc.mu.Unlock()

	future := raft.SubmitOperation(operation, operationType, 500*time.Millisecond)
	return future.Await()
}

// numApplied returns the number of state machines that have applied the
// provided operation.
func (tc *testCluster) numApplied(operation []byte) int {
	applied := 0
	for _, fsm := range tc.fsms {
		for _, appliedOperation := range fsm.appliedOperations() {
			if bytes.Equal(operation, appliedOperation) {
				applied++
				break
			}
		}
	}
	return applied
}

// checkLeaders looks for a single legitimate leader in the cluster. Leaders
// that are disconnected or in a minority partition are not legitimate.
func (tc *testCluster) checkLeaders(expectNoLeader bool) int {
	// Time between checks for a leader. This amount should be large
	// enough to allow an election to take place.
	electionTimeout := 300 * time.Millisecond

	leaders := make([]int, 0)

	start := time.Now()
	for time.Since(start).Seconds() < 3 {
		leaders = leaders[:0]

		for i := 0; i < len(tc.rafts); i++ {
			tc.mu.Lock()
			raft := tc.rafts[i]
			isDisconnected := tc.disconnected[i]
			tc.mu.Unlock()

			status := raft.Status()
			if status.State == Leader && !isDisconnected {
				leaders = append(leaders, i)
			}
		}

		if len(leaders) > 1 {
			tc.t.Fatalf("cluster has more than one leader: leaders = %v", leaders)
		}
		if len(leaders) == 1 {
			break
		}

		time.Sleep(electionTimeout)
	}

	if len(leaders) == 0 && !expectNoLeader {
		tc.t.Fatal("cluster failed to elect a leader")
	}
	if len(leaders) != 0 && expectNoLeader {
		tc.t.Fatalf("cluster elected a leader without quorum: leaders = %v", leaders)
	}

	if expectNoLeader {
		return -1
	}
	return leaders[0]
}

// checkStateMachines waits until at least expectedMatches state machines
// have applied an identical sequence of operations.
func (tc *testCluster) checkStateMachines(expectedMatches int, timeout time.Duration) {
	start := time.Now()
	for time.Since(start) < timeout {
		// The longest sequence of applied operations in the cluster is the
		// reference that other state machines are compared against.
		reference := tc.fsms[0].appliedOperations()
		for _, fsm := range tc.fsms[1:] {
			if operations := fsm.appliedOperations(); len(operations) > len(reference) {
				reference = operations
			}
		}

		matches := 0
		for _, fsm := range tc.fsms {
			if operationsEqual(fsm.appliedOperations(), reference) {
				matches++
			}
		}
		if matches >= expectedMatches {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}

	tc.t.Fatalf("cluster state machines do not match: expectedMatches = %d", expectedMatches)
}

func operationsEqual(actual [][]byte, expected [][]byte) bool {
	if len(actual) != len(expected) {
		return false
	}
	for i := range actual {
		if !bytes.Equal(actual[i], expected[i]) {
			return false
		}
	}
	return true
}

// crashServer simulates the crash of the provided node by disconnecting it
// from the cluster and stopping it.
func (tc *testCluster) crashServer(server int) {
	tc.disconnectServer(server)

	tc.mu.Lock()
	raft := tc.rafts[server]
	tc.mu.Unlock()

	raft.Stop()
}

// restartServer recreates the provided node from its persisted state and
// reconnects it to the cluster.
func (tc *testCluster) restartServer(server int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	serverID := fmt.Sprint(server)

	tc.fsms[server] = newStateMachineMock(tc.snapshotting, tc.snapshotSize)
	raft, err := NewRaft(serverID, tc.peers, tc.fsms[server], tc.dirs[server])
	if err != nil {
		tc.t.Fatalf("failed to restart cluster node: node = %d, error = %s", server, err.Error())
	}
	tc.rafts[server] = raft

	if err := raft.Start(); err != nil {
		tc.t.Fatalf("failed to restart cluster node: node = %d, error = %s", server, err.Error())
	}

	for i := 0; i < len(tc.rafts); i++ {
		tc.rafts[i].connectPeer(serverID)
	}

	tc.disconnected[server] = false
}

// disconnectServer severs communication between the provided node and all
// other nodes in the cluster.
func (tc *testCluster) disconnectServer(server int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	serverID := fmt.Sprint(server)
	for i := 0; i < len(tc.rafts); i++ {
		if i == server {
			continue
		}
		tc.rafts[i].disconnectPeer(serverID)
		tc.rafts[server].disconnectPeer(fmt.Sprint(i))
	}

	tc.disconnected[server] = true
}

// reconnectServer restores communication between the provided node and all
// other nodes in the cluster.
func (tc *testCluster) reconnectServer(server int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	serverID := fmt.Sprint(server)
	for i := 0; i < len(tc.rafts); i++ {
		if i == server {
			continue
		}
		tc.rafts[i].connectPeer(serverID)
		tc.rafts[server].connectPeer(fmt.Sprint(i))
	}

	tc.disconnected[server] = false
}

// reconnectAllServers restores communication between all nodes in the
// cluster.
func (tc *testCluster) reconnectAllServers() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for i := 0; i < len(tc.rafts); i++ {
		for j := 0; j < len(tc.rafts); j++ {
			if i == j {
				continue
			}
			tc.rafts[i].connectPeer(fmt.Sprint(j))
		}
		tc.disconnected[i] = false
	}
}

// createPartition splits the cluster into two partitions, the smaller of
// which contains a randomly chosen half of the nodes. The nodes in the
// smaller partition are marked as disconnected.
func (tc *testCluster) createPartition() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	partitionSize := len(tc.rafts) / 2
	partitionSet := make(map[int]bool, partitionSize)

	index := random.RandomInt(0, len(tc.rafts))
	for i := 0; i < partitionSize; i++ {
		partitionSet[(index+i)%len(tc.rafts)] = true
	}

	for i := range partitionSet {
		for j := 0; j < len(tc.rafts); j++ {
			if partitionSet[j] {
				continue
			}
			tc.rafts[i].disconnectPeer(fmt.Sprint(j))
			tc.rafts[j].disconnectPeer(fmt.Sprint(i))
		}
		tc.disconnected[i] = true
	}
}
