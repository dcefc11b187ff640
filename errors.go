package raft

import "errors"

var (
	// ErrNotLeader is returned when an operation is submitted to a node
	// that is not the leader. Clients should retry against another node.
	ErrNotLeader = errors.New("this node is not the leader")

	// ErrShutdown is returned when an operation or RPC is delivered to a
	// node that has been stopped.
	ErrShutdown = errors.New("this node is shutdown")
)
