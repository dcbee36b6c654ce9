package raftreplicator

import (
	"errors"
	"fmt"
)

// ErrLogTruncated is the error a LogSource.GetRange implementation returns
// when the requested range reaches outside the retained log (internal/memlog
// does so). The Replicator logs it and retries on the next tick; the switch
// to SnapshotStreamer is decided separately by shouldInstallSnapshot from
// the follower's nextIndex and the log's start index.
var ErrLogTruncated = errors.New("raftreplicator: log entry truncated into snapshot")

// ErrNoSnapshot indicates a snapshot install was attempted but LogSource has
// never produced one.
var ErrNoSnapshot = errors.New("raftreplicator: no snapshot available")

// ErrStopped is the sentinel for the Stopping/Stopped state. No function in
// this package returns it: Run returns nil when it exits after Stop.
var ErrStopped = errors.New("raftreplicator: replicator stopped")

// FatalReplicationError marks a protocol-invariant violation (spec §7): a
// condition the Raft protocol itself guarantees cannot happen on a correct
// follower. The Replicator terminates on this error; the leader-level
// supervisor (outside this module) decides whether to step down or restart.
type FatalReplicationError struct {
	Reason string
	Detail string
}

func (e *FatalReplicationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("raftreplicator: fatal protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("raftreplicator: fatal protocol violation: %s (%s)", e.Reason, e.Detail)
}

// IsFatal reports whether err is (or wraps) a FatalReplicationError.
func IsFatal(err error) bool {
	var fatal *FatalReplicationError
	return errors.As(err, &fatal)
}
