package raft

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTestTransport(t *testing.T) Transport {
	port := atomic.AddInt32(&nextPort, 1)
	transport, err := NewTransport(fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	return transport
}

// TestTransportAppendEntries checks that an append entries request is
// delivered to the registered handler and the response returned to the
// sender.
func TestTransportAppendEntries(t *testing.T) {
	server := makeTestTransport(t)
	client := makeTestTransport(t)

	server.RegisterAppendEntriesHandler(
		func(request *AppendEntriesRequest, response *AppendEntriesResponse) error {
			require.Equal(t, "leader", request.LeaderID)
			require.Len(t, request.Entries, 1)
			validateLogEntry(t, request.Entries[0], 1, 1, []byte("operation"))
			response.Term = request.Term
			response.Success = true
			return nil
		},
	)

	require.NoError(t, server.Run())
	require.NoError(t, client.Run())
	t.Cleanup(func() {
		require.NoError(t, server.Shutdown())
		require.NoError(t, client.Shutdown())
	})

	request := AppendEntriesRequest{
		LeaderID: "leader",
		Term:     1,
		Entries:  []*LogEntry{NewLogEntry(1, 1, []byte("operation"), OperationEntry)},
	}
	response, err := client.SendAppendEntries(server.Address(), request)
	require.NoError(t, err)
	require.True(t, response.Success)
	require.Equal(t, uint64(1), response.Term)
}

// TestTransportRequestVote checks that a request vote request is delivered
// to the registered handler.
func TestTransportRequestVote(t *testing.T) {
	server := makeTestTransport(t)
	client := makeTestTransport(t)

	server.RegisterRequestVoteHandler(
		func(request *RequestVoteRequest, response *RequestVoteResponse) error {
			require.Equal(t, "candidate", request.CandidateID)
			response.Term = request.Term
			response.VoteGranted = true
			return nil
		},
	)

	require.NoError(t, server.Run())
	require.NoError(t, client.Run())
	t.Cleanup(func() {
		require.NoError(t, server.Shutdown())
		require.NoError(t, client.Shutdown())
	})

	request := RequestVoteRequest{CandidateID: "candidate", Term: 2}
	response, err := client.SendRequestVote(server.Address(), request)
	require.NoError(t, err)
	require.True(t, response.VoteGranted)
	require.Equal(t, uint64(2), response.Term)
}

// TestTransportInstallSnapshot checks that an install snapshot request is
// delivered to the registered handler.
func TestTransportInstallSnapshot(t *testing.T) {
	server := makeTestTransport(t)
	client := makeTestTransport(t)

	server.RegisterInstallSnapshotHandler(
		func(request *InstallSnapshotRequest, response *InstallSnapshotResponse) error {
			require.Equal(t, uint64(5), request.LastIncludedIndex)
			require.Equal(t, []byte("state"), request.Bytes)
			response.Term = request.Term
			return nil
		},
	)

	require.NoError(t, server.Run())
	require.NoError(t, client.Run())
	t.Cleanup(func() {
		require.NoError(t, server.Shutdown())
		require.NoError(t, client.Shutdown())
	})

	request := InstallSnapshotRequest{
		LeaderID:          "leader",
		Term:              3,
		LastIncludedIndex: 5,
		LastIncludedTerm:  2,
		Bytes:             []byte("state"),
	}
	response, err := client.SendInstallSnapshot(server.Address(), request)
	require.NoError(t, err)
	require.Equal(t, uint64(3), response.Term)
}

// TestTransportHandlerError checks that an error returned by a handler is
// surfaced to the sender.
func TestTransportHandlerError(t *testing.T) {
	server := makeTestTransport(t)
	client := makeTestTransport(t)

	server.RegisterRequestVoteHandler(
		func(request *RequestVoteRequest, response *RequestVoteResponse) error {
			return ErrShutdown
		},
	)

	require.NoError(t, server.Run())
	require.NoError(t, client.Run())
	t.Cleanup(func() {
		require.NoError(t, server.Shutdown())
		require.NoError(t, client.Shutdown())
	})

	_, err := client.SendRequestVote(server.Address(), RequestVoteRequest{})
	require.Error(t, err)
}

// TestTransportSendDown checks that sending to a node that is not serving
// returns an error rather than blocking indefinitely.
func TestTransportSendDown(t *testing.T) {
	client := makeTestTransport(t)
	require.NoError(t, client.Run())
	t.Cleanup(func() { require.NoError(t, client.Shutdown()) })

	port := atomic.AddInt32(&nextPort, 1)
	_, err := client.SendRequestVote(fmt.Sprintf("127.0.0.1:%d", port), RequestVoteRequest{})
	require.Error(t, err)
}

// TestTransportRunTwice checks that starting a running transport is a
// no-op.
func TestTransportRunTwice(t *testing.T) {
	server := makeTestTransport(t)
	require.NoError(t, server.Run())
	require.NoError(t, server.Run())
	require.NoError(t, server.Shutdown())
	require.NoError(t, server.Shutdown())
}
