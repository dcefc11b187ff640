package raft

import (
	"time"

	"github.com/skiff-io/raft/internal/errors"
	"github.com/skiff-io/raft/logging"
)

const (
	// The default duration that a node will wait without hearing from the
	// leader before becoming a candidate. The actual timeout is randomized
	// between this value and twice this value.
	defaultElectionTimeout = 300 * time.Millisecond

	// The default interval between rounds of heartbeats sent by the leader.
	defaultHeartbeat = 50 * time.Millisecond

	// The default duration of the leader lease used for lease-based reads.
	defaultLeaseDuration = 100 * time.Millisecond

	// Bounds accepted for the tunable durations.
	minElectionTimeout = 100 * time.Millisecond
	maxElectionTimeout = 2 * time.Second
	minHeartbeat       = 25 * time.Millisecond
	maxHeartbeat       = 300 * time.Millisecond
	minLeaseDuration   = 25 * time.Millisecond
	maxLeaseDuration   = 500 * time.Millisecond
)

// options groups together the configurable aspects of a node.
type options struct {
	// The duration a node waits to hear from the leader before starting
	// an election.
	electionTimeout time.Duration

	// The interval between rounds of heartbeats sent by the leader.
	heartbeatInterval time.Duration

	// The duration of the leader lease.
	leaseDuration time.Duration

	// The logger used by the node.
	logger *logging.Logger

	// The level used when constructing the default logger.
	logLevel logging.Level
	levelSet bool

	// The log used to durably store entries.
	log Log

	// The storage used to persist the node's term and vote.
	stateStorage StateStorage

	// The storage used to persist snapshots of the state machine.
	snapshotStorage SnapshotStorage

	// The transport used to communicate with the other nodes.
	transport Transport
}

// Option applies a configuration option to a node when it is created.
type Option func(options *options) error

// WithElectionTimeout sets the base election timeout. The actual timeout
// used for any given election is randomized between the provided value and
// twice the provided value.
func WithElectionTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minElectionTimeout || timeout > maxElectionTimeout {
			return errors.New("election timeout is invalid")
		}
		options.electionTimeout = timeout
		return nil
	}
}

// WithHeartbeatInterval sets the interval between rounds of heartbeats sent
// by the leader. The interval should be significantly less than the election
// timeout.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeat || interval > maxHeartbeat {
			return errors.New("heartbeat interval is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithLeaseDuration sets the duration of the leader lease. The duration must
// be less than the election timeout.
func WithLeaseDuration(duration time.Duration) Option {
	return func(options *options) error {
		if duration < minLeaseDuration || duration > maxLeaseDuration {
			return errors.New("lease duration is invalid")
		}
		options.leaseDuration = duration
		return nil
	}
}

// WithLogger sets the logger used by the node.
func WithLogger(logger *logging.Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithLogLevel sets the level of the default logger. Ignored if a logger is
// provided via WithLogger.
func WithLogLevel(level logging.Level) Option {
	return func(options *options) error {
		options.logLevel = level
		options.levelSet = true
		return nil
	}
}

// WithLog sets the log used to durably store entries.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithStateStorage sets the storage used to persist the node's term and vote.
func WithStateStorage(storage StateStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("state storage must not be nil")
		}
		options.stateStorage = storage
		return nil
	}
}

// WithSnapshotStorage sets the storage used to persist snapshots of the
// state machine.
func WithSnapshotStorage(storage SnapshotStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("snapshot storage must not be nil")
		}
		options.snapshotStorage = storage
		return nil
	}
}

// WithTransport sets the transport used to communicate with the other nodes
// in the cluster.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}
