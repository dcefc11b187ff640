package raft

import "time"

// lease represents a lease held by the leader. The lease is valid until its
// expiration time, which is extended by the lease duration every time a
// quorum of the cluster acknowledges the leader's heartbeats.
//
// While its lease is valid, the leader may serve lease-based read-only
// operations without contacting the cluster. The lease duration should be
// much smaller than the election timeout - otherwise a deposed leader could
// serve reads while a new leader accepts writes.
type lease struct {
	// Time at which the lease expires.
	expiration time.Time

	// The duration of the lease upon renewal.
	duration time.Duration
}

// newLease creates a lease that will be valid for the provided duration once
// renewed. A newly created lease is not valid - it must be renewed first.
func newLease(duration time.Duration) *lease {
	return &lease{duration: duration, expiration: time.Now()}
}

// renew extends the expiration of the lease to the current time plus the
// lease duration.
func (l *lease) renew() {
	l.expiration = time.Now().Add(l.duration)
}

// isValid returns true if the lease has not expired.
func (l *lease) isValid() bool {
	return time.Now().Before(l.expiration)
}
