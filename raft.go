package raft

import (
	"sync"
	"time"

	"github.com/skiff-io/raft/internal/errors"
	"github.com/skiff-io/raft/internal/numeric"
	"github.com/skiff-io/raft/internal/random"
	"github.com/skiff-io/raft/logging"
)

// Raft implements the consensus protocol. A node is a member of a statically
// configured cluster and transitions between the follower, candidate, and
// leader states. All fields are protected by mu unless noted otherwise.
type Raft struct {
	// The ID of this node.
	id string

	// The configuration options for this node.
	options options

	// The logger for this node.
	logger *logging.Logger

	// The other nodes in the cluster, as well as this node itself,
	// keyed by ID.
	peers map[string]*Peer

	// The durable replicated log of this node.
	log Log

	// Persists the current term and vote.
	stateStorage StateStorage

	// Persists snapshots of the state machine.
	snapshotStorage SnapshotStorage

	// The network transport for sending and receiving RPCs.
	transport Transport

	// The state machine provided by the client that operations will be
	// applied to.
	fsm StateMachine

	// The current state of this node: leader, follower, candidate, or
	// shutdown.
	state State

	// The latest term this node has seen. Persisted before responding
	// to any RPC.
	currentTerm uint64

	// The candidate this node voted for in the current term, or an empty
	// string if it has not voted. Persisted alongside the term.
	votedFor string

	// The index of the highest log entry known to be committed.
	commitIndex uint64

	// The index of the highest log entry applied to the state machine.
	lastApplied uint64

	// The index and term of the entry covered by the most recent snapshot.
	lastIncludedIndex uint64
	lastIncludedTerm  uint64

	// Tracks client operations pending replication or leadership
	// verification. Replaced each time this node becomes the leader.
	operationManager *operationManager

	// The last time this node heard from the leader or granted a vote.
	lastContact time.Time

	// Notifies the apply loop that the commit index advanced.
	applyCond *sync.Cond

	// Notifies the commit loop that match indices advanced.
	commitCond *sync.Cond

	wg sync.WaitGroup
	mu sync.Mutex
}

// NewRaft creates a new node with the provided ID and state machine. The
// peers map contains the IDs and network addresses of all cluster members,
// including this node. Persistent state is stored under dataPath and is
// restored if any exists from a previous lifetime.
func NewRaft(
	id string,
	peers map[string]string,
	fsm StateMachine,
	dataPath string,
	opts ...Option,
) (*Raft, error) {
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, errors.WrapError(err, "failed to apply raft option")
		}
	}

	if options.electionTimeout == 0 {
		options.electionTimeout = defaultElectionTimeout
	}
	if options.heartbeatInterval == 0 {
		options.heartbeatInterval = defaultHeartbeat
	}
	if options.leaseDuration == 0 {
		options.leaseDuration = defaultLeaseDuration
	}
	if options.logger == nil {
		logOpts := []logging.Option{logging.WithPrefix("raft-" + id + ": ")}
		if options.levelSet {
			logOpts = append(logOpts, logging.WithLevel(options.logLevel))
		}
		logger, err := logging.NewLogger(logOpts...)
		if err != nil {
			return nil, err
		}
		options.logger = logger
	}
	if options.stateStorage == nil {
		stateStorage, err := NewStateStorage(dataPath)
		if err != nil {
			return nil, errors.WrapError(err, "failed to create state storage")
		}
		options.stateStorage = stateStorage
	}
	if options.snapshotStorage == nil {
		snapshotStorage, err := NewSnapshotStorage(dataPath)
		if err != nil {
			return nil, errors.WrapError(err, "failed to create snapshot storage")
		}
		options.snapshotStorage = snapshotStorage
	}
	if options.transport == nil {
		transport, err := NewTransport(peers[id])
		if err != nil {
			return nil, errors.WrapError(err, "failed to create transport")
		}
		options.transport = transport
	}

	log := options.log
	if log == nil {
		newLog, err := NewLog(dataPath)
		if err != nil {
			return nil, errors.WrapError(err, "failed to create log")
		}
		log = newLog
	}
	if err := log.Open(); err != nil {
		return nil, errors.WrapError(err, "failed to open log")
	}
	if err := log.Replay(); err != nil {
		return nil, errors.WrapError(err, "failed to replay log")
	}

	currentTerm, votedFor, err := options.stateStorage.State()
	if err != nil {
		return nil, errors.WrapError(err, "failed to recover term and vote")
	}

	raftPeers := make(map[string]*Peer, len(peers))
	for peerID, address := range peers {
		raftPeers[peerID] = NewPeer(peerID, address)
	}

	r := &Raft{
		id:               id,
		options:          options,
		logger:           options.logger,
		peers:            raftPeers,
		log:              log,
		stateStorage:     options.stateStorage,
		snapshotStorage:  options.snapshotStorage,
		transport:        options.transport,
		fsm:              fsm,
		state:            Shutdown,
		currentTerm:      currentTerm,
		votedFor:         votedFor,
		operationManager: newOperationManager(options.leaseDuration),
	}
	r.applyCond = sync.NewCond(&r.mu)
	r.commitCond = sync.NewCond(&r.mu)

	// Restore the state machine from the most recent snapshot, if any.
	snapshot, err := r.snapshotStorage.LastSnapshot()
	if err != nil {
		return nil, errors.WrapError(err, "failed to recover snapshot")
	}
	if snapshot.LastIncludedIndex != 0 {
		if err := r.fsm.Restore(&snapshot); err != nil {
			return nil, errors.WrapError(err, "failed to restore state machine")
		}
		r.commitIndex = snapshot.LastIncludedIndex
		r.lastApplied = snapshot.LastIncludedIndex
		r.lastIncludedIndex = snapshot.LastIncludedIndex
		r.lastIncludedTerm = snapshot.LastIncludedTerm
		if !r.log.Contains(snapshot.LastIncludedIndex) {
			err := r.log.DiscardEntries(snapshot.LastIncludedIndex, snapshot.LastIncludedTerm)
			if err != nil {
				return nil, errors.WrapError(err, "failed to discard log entries")
			}
		}
	}

	r.transport.RegisterAppendEntriesHandler(r.appendEntries)
	r.transport.RegisterRequestVoteHandler(r.requestVote)
	r.transport.RegisterInstallSnapshotHandler(r.installSnapshot)

	return r, nil
}

// Start starts the node. Once started, the node participates in elections
// and, if elected, accepts and replicates operations.
func (r *Raft) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Shutdown {
		return nil
	}

	if err := r.transport.Run(); err != nil {
		return errors.WrapError(err, "failed to start transport")
	}

	r.lastContact = time.Now()
	r.state = Follower

	r.wg.Add(4)
	go r.electionLoop()
	go r.heartbeatLoop()
	go r.commitLoop()
	go r.applyLoop()

	r.logger.Infof("node started: address = %s", r.transport.Address())

	return nil
}

// Stop stops the node. All pending operations are failed and the log and
// transport are closed. A stopped node may be restarted with Start.
func (r *Raft) Stop() {
	r.mu.Lock()
	if r.state == Shutdown {
		r.mu.Unlock()
		return
	}

	r.state = Shutdown
	r.applyCond.Broadcast()
	r.commitCond.Broadcast()
	r.operationManager.notifyLostLeadership()
	r.mu.Unlock()

	r.wg.Wait()

	if err := r.transport.Shutdown(); err != nil {
		r.logger.Errorf("failed to shutdown transport: error = %v", err)
	}
	if err := r.log.Close(); err != nil {
		r.logger.Errorf("failed to close log: error = %v", err)
	}

	r.logger.Info("node stopped")
}

// Status returns the externally visible status of the node.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Status{
		ID:          r.id,
		Address:     r.transport.Address(),
		Term:        r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		State:       r.state,
	}
}

// SubmitOperation submits an operation to the node for processing. The
// returned future completes once the operation has been applied or failed.
// Only the leader accepts operations - submissions to any other node fail
// with ErrNotLeader.
func (r *Raft) SubmitOperation(
	operationBytes []byte,
	operationType OperationType,
	timeout time.Duration,
) Future[OperationResponse] {
	switch operationType {
	case Replicated:
		return r.submitReplicatedOperation(operationBytes, timeout)
	case LinearizableReadOnly, LeaseBasedReadOnly:
		return r.submitReadOnlyOperation(operationBytes, operationType, timeout)
	default:
		operationFuture := newFuture[OperationResponse](timeout)
		respond(operationFuture.responseCh, OperationResponse{}, errors.New("operation type is invalid"))
		return operationFuture
	}
}

func (r *Raft) submitReplicatedOperation(
	operationBytes []byte,
	timeout time.Duration,
) Future[OperationResponse] {
	r.mu.Lock()
	defer r.mu.Unlock()

	operationFuture := newFuture[OperationResponse](timeout)

	if r.state != Leader {
		respond(operationFuture.responseCh, OperationResponse{}, ErrNotLeader)
		return operationFuture
	}

	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, operationBytes, OperationEntry)
	if err := r.log.AppendEntry(entry); err != nil {
		r.logger.Fatalf("failed to append entry to log: error = %v", err)
	}
	r.operationManager.pendingReplicated[entry.Index] = operationFuture.responseCh

	r.sendAppendEntriesToPeers()
	r.commitCond.Broadcast()

	r.logger.Debugf(
		"operation submitted: index = %d, term = %d",
		entry.Index,
		entry.Term,
	)

	return operationFuture
}

func (r *Raft) submitReadOnlyOperation(
	operationBytes []byte,
	operationType OperationType,
	timeout time.Duration,
) Future[OperationResponse] {
	r.mu.Lock()
	defer r.mu.Unlock()

	operationFuture := newFuture[OperationResponse](timeout)

	if r.state != Leader {
		respond(operationFuture.responseCh, OperationResponse{}, ErrNotLeader)
		return operationFuture
	}

	operation := &Operation{
		Bytes:         operationBytes,
		OperationType: operationType,
		readIndex:     r.commitIndex,
	}
	r.operationManager.pendingReadOnly[operation] = operationFuture.responseCh

	if operationType == LinearizableReadOnly {
		// A round of heartbeats confirms that this node is still the
		// leader before the read is served.
		r.operationManager.shouldVerifyQuorum = true
		r.sendAppendEntriesToPeers()
	} else if r.operationManager.leaderLease.isValid() && operation.readIndex <= r.lastApplied {
		r.applyCond.Broadcast()
	}

	return operationFuture
}

// appendEntries handles an append entries RPC from the leader.
func (r *Raft) appendEntries(request *AppendEntriesRequest, response *AppendEntriesResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return ErrShutdown
	}

	response.Term = r.currentTerm
	response.Success = false

	// Reject requests from stale leaders.
	if request.Term < r.currentTerm {
		return nil
	}

	if request.Term > r.currentTerm {
		r.becomeFollower(request.Term)
		response.Term = r.currentTerm
	} else if r.state == Candidate {
		// A leader was elected for the term this node is campaigning in.
		r.state = Follower
	}

	r.lastContact = time.Now()

	// Consistency check: the entry preceding the new ones must match.
	if request.PrevLogIndex != 0 {
		if request.PrevLogIndex > r.log.LastIndex() {
			response.Index = r.log.NextIndex()
			return nil
		}
		if request.PrevLogIndex >= r.log.FirstIndex() {
			prevEntry, err := r.log.GetEntry(request.PrevLogIndex)
			if err != nil {
				r.logger.Fatalf("failed to get entry from log: error = %v", err)
			}
			if prevEntry.Term != request.PrevLogTerm {
				// Back the leader off to the first index of the
				// conflicting term so the logs converge in a single
				// round trip per term rather than per entry.
				index := r.log.FirstIndex()
				for i := request.PrevLogIndex - 1; i >= r.log.FirstIndex(); i-- {
					entry, err := r.log.GetEntry(i)
					if err != nil {
						r.logger.Fatalf("failed to get entry from log: error = %v", err)
					}
					if entry.Term != prevEntry.Term {
						index = i + 1
						break
					}
				}
				response.Index = index
				return nil
			}
		}
	}

	response.Success = true

	if len(request.Entries) > 0 {
		if err := r.log.AppendEntries(request.Entries...); err != nil {
			r.logger.Fatalf("failed to append entries to log: error = %v", err)
		}
	}

	if request.LeaderCommit > r.commitIndex {
		r.commitIndex = numeric.Min(request.LeaderCommit, r.log.LastIndex())
		r.applyCond.Broadcast()
	}

	return nil
}

// requestVote handles a request vote RPC from a candidate.
func (r *Raft) requestVote(request *RequestVoteRequest, response *RequestVoteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return ErrShutdown
	}

	response.Term = r.currentTerm
	response.VoteGranted = false

	// Reject requests from stale candidates.
	if request.Term < r.currentTerm {
		return nil
	}

	if request.Term > r.currentTerm {
		r.becomeFollower(request.Term)
		response.Term = r.currentTerm
	}

	// At most one vote per term.
	if r.votedFor != "" && r.votedFor != request.CandidateID {
		return nil
	}

	// Grant the vote only if the candidate's log is at least as up to date
	// as this node's. Otherwise committed entries could be lost.
	if request.LastLogTerm < r.log.LastTerm() ||
		(request.LastLogTerm == r.log.LastTerm() && request.LastLogIndex < r.log.LastIndex()) {
		return nil
	}

	r.votedFor = request.CandidateID
	r.persistTermAndVote()
	r.lastContact = time.Now()
	response.VoteGranted = true

	r.logger.Debugf(
		"vote granted: candidate = %s, term = %d",
		request.CandidateID,
		r.currentTerm,
	)

	return nil
}

// installSnapshot handles an install snapshot RPC from the leader.
func (r *Raft) installSnapshot(
	request *InstallSnapshotRequest,
	response *InstallSnapshotResponse,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Shutdown {
		return ErrShutdown
	}

	response.Term = r.currentTerm

	if request.Term < r.currentTerm {
		return nil
	}

	if request.Term > r.currentTerm {
		r.becomeFollower(request.Term)
		response.Term = r.currentTerm
	} else if r.state == Candidate {
		r.state = Follower
	}

	r.lastContact = time.Now()

	// The snapshot is stale if this node has already applied past it.
	if request.LastIncludedIndex <= r.lastIncludedIndex ||
		request.LastIncludedIndex <= r.lastApplied {
		return nil
	}

	snapshot := Snapshot{
		LastIncludedIndex: request.LastIncludedIndex,
		LastIncludedTerm:  request.LastIncludedTerm,
		Data:              request.Bytes,
	}
	if err := r.snapshotStorage.SaveSnapshot(&snapshot); err != nil {
		r.logger.Fatalf("failed to save snapshot: error = %v", err)
	}
	if err := r.fsm.Restore(&snapshot); err != nil {
		r.logger.Fatalf("failed to restore state machine: error = %v", err)
	}

	r.commitIndex = request.LastIncludedIndex
	r.lastApplied = request.LastIncludedIndex
	r.lastIncludedIndex = request.LastIncludedIndex
	r.lastIncludedTerm = request.LastIncludedTerm

	// If the log has an entry matching the snapshot boundary, entries that
	// follow it are retained. Otherwise the log is entirely replaced.
	entry, err := r.log.GetEntry(request.LastIncludedIndex)
	if r.log.Contains(request.LastIncludedIndex) && err == nil && entry.Term == request.LastIncludedTerm {
		if err := r.log.Compact(request.LastIncludedIndex); err != nil {
			r.logger.Fatalf("failed to compact log: error = %v", err)
		}
	} else {
		if err := r.log.DiscardEntries(request.LastIncludedIndex, request.LastIncludedTerm); err != nil {
			r.logger.Fatalf("failed to discard log entries: error = %v", err)
		}
	}

	r.logger.Infof(
		"snapshot installed: lastIncludedIndex = %d, lastIncludedTerm = %d",
		request.LastIncludedIndex,
		request.LastIncludedTerm,
	)

	return nil
}

// sendAppendEntriesToPeers sends an append entries request to all peers.
// Expects the lock to be held.
func (r *Raft) sendAppendEntriesToPeers() {
	// All calls sharing the response counter belong to the same round of
	// heartbeats. This node always responds to itself.
	numResponses := 1
	if r.hasQuorum(numResponses) {
		r.verifyLeadership()
	}
	for id := range r.peers {
		if id == r.id {
			continue
		}
		go r.sendAppendEntries(id, &numResponses)
	}
}

// sendAppendEntries sends an append entries request to the provided peer and
// handles the response.
func (r *Raft) sendAppendEntries(id string, numResponses *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := r.peers[id]

	if r.state != Leader || !peer.isConnected() {
		return
	}

	nextIndex := peer.getNextIndex()

	// The peer requires entries that have been compacted away. Bring it up
	// to date with a snapshot instead.
	if nextIndex <= r.lastIncludedIndex {
		r.sendInstallSnapshot(peer)
		return
	}

	prevLogIndex := nextIndex - 1
	var prevLogTerm uint64
	if prevLogIndex != 0 {
		prevEntry, err := r.log.GetEntry(prevLogIndex)
		if err != nil {
			r.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		prevLogTerm = prevEntry.Term
	}

	entries := make([]*LogEntry, 0, r.log.NextIndex()-nextIndex)
	for index := nextIndex; index <= r.log.LastIndex(); index++ {
		entry, err := r.log.GetEntry(index)
		if err != nil {
			r.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		entries = append(entries, entry)
	}

	request := AppendEntriesRequest{
		LeaderID:     r.id,
		Term:         r.currentTerm,
		LeaderCommit: r.commitIndex,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
	}

	r.mu.Unlock()
	response, err := r.transport.SendAppendEntries(peer.Address(), request)
	r.mu.Lock()

	if err != nil || r.state == Shutdown {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(response.Term)
		return
	}

	// The response is for a request from a previous term or leadership
	// stint and must not be acted on.
	if r.state != Leader || request.Term != r.currentTerm {
		return
	}

	if numResponses != nil {
		*numResponses++
		if r.hasQuorum(*numResponses) {
			r.verifyLeadership()
		}
	}

	if !response.Success {
		if response.Index != 0 {
			peer.setNextIndex(numeric.Min(response.Index, r.log.NextIndex()))
		} else {
			peer.setNextIndex(numeric.Max(1, peer.getNextIndex()-1))
		}
		return
	}

	match := request.PrevLogIndex + uint64(len(request.Entries))
	if match > peer.getMatchIndex() {
		peer.setMatchIndex(match)
		peer.setNextIndex(match + 1)
		r.commitCond.Broadcast()
	} else {
		peer.setNextIndex(numeric.Max(peer.getNextIndex(), match+1))
	}
}

// sendInstallSnapshot sends the most recent snapshot to the provided peer.
// Expects the lock to be held.
func (r *Raft) sendInstallSnapshot(peer *Peer) {
	snapshot, err := r.snapshotStorage.LastSnapshot()
	if err != nil {
		r.logger.Fatalf("failed to read snapshot: error = %v", err)
	}
	if snapshot.LastIncludedIndex == 0 {
		return
	}

	request := InstallSnapshotRequest{
		LeaderID:          r.id,
		Term:              r.currentTerm,
		LastIncludedIndex: snapshot.LastIncludedIndex,
		LastIncludedTerm:  snapshot.LastIncludedTerm,
		Bytes:             snapshot.Data,
	}

	r.mu.Unlock()
	response, err := r.transport.SendInstallSnapshot(peer.Address(), request)
	r.mu.Lock()

	if err != nil || r.state == Shutdown {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(response.Term)
		return
	}

	if r.state != Leader || request.Term != r.currentTerm {
		return
	}

	if request.LastIncludedIndex > peer.getMatchIndex() {
		peer.setMatchIndex(request.LastIncludedIndex)
		r.commitCond.Broadcast()
	}
	peer.setNextIndex(numeric.Max(peer.getNextIndex(), request.LastIncludedIndex+1))
}

// verifyLeadership renews the lease and releases any reads waiting on a
// round of heartbeats. Expects the lock to be held.
func (r *Raft) verifyLeadership() {
	r.operationManager.leaderLease.renew()
	if r.operationManager.shouldVerifyQuorum {
		r.operationManager.markAsVerified()
	}
	if len(r.operationManager.pendingReadOnly) > 0 {
		r.applyCond.Broadcast()
	}
}

// sendRequestVoteToPeers sends a request vote request to all peers. Expects
// the lock to be held.
func (r *Raft) sendRequestVoteToPeers() {
	// This node votes for itself.
	votes := 1
	if r.hasQuorum(votes) {
		r.becomeLeader()
		return
	}
	for id := range r.peers {
		if id == r.id {
			continue
		}
		go r.sendRequestVote(id, &votes)
	}
}

// sendRequestVote sends a request vote request to the provided peer and
// handles the response.
func (r *Raft) sendRequestVote(id string, votes *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer := r.peers[id]

	if r.state != Candidate || !peer.isConnected() {
		return
	}

	request := RequestVoteRequest{
		CandidateID:  r.id,
		Term:         r.currentTerm,
		LastLogIndex: r.log.LastIndex(),
		LastLogTerm:  r.log.LastTerm(),
	}

	r.mu.Unlock()
	response, err := r.transport.SendRequestVote(peer.Address(), request)
	r.mu.Lock()

	if err != nil || r.state == Shutdown {
		return
	}

	if response.Term > r.currentTerm {
		r.becomeFollower(response.Term)
		return
	}

	if r.state != Candidate || request.Term != r.currentTerm {
		return
	}

	if response.VoteGranted {
		*votes++
		if r.hasQuorum(*votes) {
			r.becomeLeader()
		}
	}
}

// electionLoop drives elections. A node that has not heard from the leader
// within a randomized timeout becomes a candidate and campaigns for votes.
func (r *Raft) electionLoop() {
	defer r.wg.Done()

	for {
		timeout := random.RandomTimeout(r.options.electionTimeout, 2*r.options.electionTimeout)
		time.Sleep(timeout)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.state != Leader && time.Since(r.lastContact) > r.options.electionTimeout {
			r.becomeCandidate()
			r.sendRequestVoteToPeers()
		}
		r.mu.Unlock()
	}
}

// heartbeatLoop periodically sends heartbeats while this node is the leader.
func (r *Raft) heartbeatLoop() {
	defer r.wg.Done()

	for {
		time.Sleep(r.options.heartbeatInterval)

		r.mu.Lock()
		if r.state == Shutdown {
			r.mu.Unlock()
			return
		}
		if r.state == Leader {
			r.sendAppendEntriesToPeers()
		}
		r.mu.Unlock()
	}
}

// commitLoop advances the commit index while this node is the leader. Only
// entries from the current term are counted toward commitment - entries from
// earlier terms are committed indirectly when a current term entry commits.
func (r *Raft) commitLoop() {
	defer r.wg.Done()

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.state != Shutdown {
		r.commitCond.Wait()

		if r.state != Leader {
			continue
		}

		committed := false
		for index := r.commitIndex + 1; index <= r.log.LastIndex(); index++ {
			entry, err := r.log.GetEntry(index)
			if err != nil {
				r.logger.Fatalf("failed to get entry from log: error = %v", err)
			}
			if entry.Term != r.currentTerm {
				continue
			}

			// This node has the entry in its log.
			matches := 1
			for id, peer := range r.peers {
				if id == r.id {
					continue
				}
				if peer.getMatchIndex() >= index {
					matches++
				}
			}

			if r.hasQuorum(matches) {
				r.commitIndex = index
				committed = true
			}
		}

		if committed {
			r.applyCond.Broadcast()
			r.sendAppendEntriesToPeers()
		}
	}
}

// applyLoop applies committed entries to the state machine and serves any
// read-only operations that have become appliable.
func (r *Raft) applyLoop() {
	defer r.wg.Done()

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.state != Shutdown {
		r.applyCond.Wait()
		r.applyCommitted()
		if r.state == Leader {
			r.applyReadOnly()
		}
	}
}

// applyCommitted applies all committed but unapplied entries to the state
// machine. Expects the lock to be held.
func (r *Raft) applyCommitted() {
	for r.commitIndex > r.lastApplied {
		entry, err := r.log.GetEntry(r.lastApplied + 1)
		if err != nil {
			r.logger.Fatalf("failed to get entry from log: error = %v", err)
		}
		r.lastApplied++

		// No-op entries carry nothing for the state machine.
		if entry.EntryType == NoOpEntry {
			continue
		}

		operation := Operation{
			Bytes:         entry.Data,
			OperationType: Replicated,
			LogIndex:      entry.Index,
			LogTerm:       entry.Term,
		}
		response := OperationResponse{
			Operation:           operation,
			ApplicationResponse: r.fsm.Apply(&operation),
		}

		if responseCh, ok := r.operationManager.pendingReplicated[operation.LogIndex]; ok {
			delete(r.operationManager.pendingReplicated, operation.LogIndex)
			respond(responseCh, response, nil)
		}

		if r.fsm.NeedSnapshot(r.log.Size()) {
			r.takeSnapshot()
		}
	}
}

// applyReadOnly serves all read-only operations that are safe to apply at
// the current apply index. Expects the lock to be held.
func (r *Raft) applyReadOnly() {
	appliable := r.operationManager.appliableReadOnlyOperations(r.lastApplied)
	for operation, responseCh := range appliable {
		response := OperationResponse{
			Operation:           *operation,
			ApplicationResponse: r.fsm.Apply(operation),
		}
		respond(responseCh, response, nil)
	}
}

// takeSnapshot captures the state machine at the last applied entry and
// compacts the log up to it. Expects the lock to be held.
func (r *Raft) takeSnapshot() {
	if r.lastApplied <= r.lastIncludedIndex {
		return
	}

	entry, err := r.log.GetEntry(r.lastApplied)
	if err != nil {
		r.logger.Fatalf("failed to get entry from log: error = %v", err)
	}

	snapshotBytes, err := r.fsm.Snapshot()
	if err != nil {
		r.logger.Errorf("failed to capture state machine snapshot: error = %v", err)
		return
	}

	snapshot := Snapshot{
		LastIncludedIndex: entry.Index,
		LastIncludedTerm:  entry.Term,
		Data:              snapshotBytes,
	}
	if err := r.snapshotStorage.SaveSnapshot(&snapshot); err != nil {
		r.logger.Fatalf("failed to save snapshot: error = %v", err)
	}
	if err := r.log.Compact(entry.Index); err != nil {
		r.logger.Fatalf("failed to compact log: error = %v", err)
	}

	r.lastIncludedIndex = entry.Index
	r.lastIncludedTerm = entry.Term

	r.logger.Infof(
		"snapshot taken: lastIncludedIndex = %d, lastIncludedTerm = %d",
		entry.Index,
		entry.Term,
	)
}

// becomeCandidate transitions this node to the candidate state and starts a
// new term. Expects the lock to be held.
func (r *Raft) becomeCandidate() {
	r.state = Candidate
	r.currentTerm++
	r.votedFor = r.id
	r.persistTermAndVote()
	r.logger.Infof("entered the candidate state: term = %d", r.currentTerm)
}

// becomeLeader transitions this node to the leader state. Expects the lock
// to be held.
func (r *Raft) becomeLeader() {
	r.state = Leader
	for _, peer := range r.peers {
		peer.setNextIndex(r.log.NextIndex())
		peer.setMatchIndex(0)
	}
	r.operationManager = newOperationManager(r.options.leaseDuration)

	// Committing an entry from the current term commits all entries that
	// precede it, including those from earlier terms that could not be
	// counted toward commitment directly.
	entry := NewLogEntry(r.log.NextIndex(), r.currentTerm, nil, NoOpEntry)
	if err := r.log.AppendEntry(entry); err != nil {
		r.logger.Fatalf("failed to append entry to log: error = %v", err)
	}

	r.sendAppendEntriesToPeers()
	r.commitCond.Broadcast()

	r.logger.Infof("entered the leader state: term = %d", r.currentTerm)
}

// becomeFollower transitions this node to the follower state with the
// provided term. Expects the lock to be held.
func (r *Raft) becomeFollower(term uint64) {
	r.state = Follower
	r.currentTerm = term
	r.votedFor = ""
	r.persistTermAndVote()

	// Any pending operations will never complete on this node now.
	r.operationManager.notifyLostLeadership()

	r.logger.Infof("entered the follower state: term = %d", r.currentTerm)
}

// hasQuorum returns true if the provided count constitutes a majority of
// the cluster.
func (r *Raft) hasQuorum(count int) bool {
	return count > len(r.peers)/2
}

// persistTermAndVote durably stores the current term and vote. A node that
// cannot persist its state cannot participate safely and must halt.
func (r *Raft) persistTermAndVote() {
	if err := r.stateStorage.SetState(r.currentTerm, r.votedFor); err != nil {
		r.logger.Fatalf("failed to persist term and vote: error = %v", err)
	}
}

// connectPeer restores communication with the provided peer. Only intended
// for testing failure scenarios.
func (r *Raft) connectPeer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id].connect()
}

// disconnectPeer severs communication with the provided peer. Only intended
// for testing failure scenarios.
func (r *Raft) disconnectPeer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id].disconnect()
}
