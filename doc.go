// Package raft is an implementation of the Raft consensus protocol. It
// provides leader election, log replication, log compaction via snapshots,
// and both linearizable and lease-based read-only operations over a
// statically configured cluster of nodes.
//
// Clients provide a StateMachine implementation and submit operations to the
// leader with SubmitOperation. Once an operation has been replicated to a
// majority of the cluster, it is applied to the state machine on every node
// in log order.
package raft
