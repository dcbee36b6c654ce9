// Package chantransport is an in-memory Transport fake used by this
// module's own tests and by cmd/replicatorsim. It lets a test script
// control exactly what AppendEntries/InstallSnapshot replies (or errors) a
// simulated follower returns, in the style of sidecus-raft's hand-written
// test fakes.
package chantransport

import (
	"context"
	"sync"

	raftreplicator "github.com/yucl80/raftreplicator"
)

// AppendHandler decides the reply (or error) for one AppendEntries call.
type AppendHandler func(req raftreplicator.AppendRequest) (raftreplicator.AppendReply, error)

// SnapshotHandler decides the reply (or error) for one InstallSnapshot
// call.
type SnapshotHandler func(req raftreplicator.InstallSnapshotRequest) (raftreplicator.InstallSnapshotReply, error)

// Transport is a single-follower in-memory Transport. It records every
// request it was asked to send, so tests can assert on send order and
// shape (spec §8's "every AppendRequest sent has entries[0].index ==
// follower.nextIndex at send time").
type Transport struct {
	mu sync.Mutex

	OnAppend   AppendHandler
	OnSnapshot SnapshotHandler

	AppendRequests   []raftreplicator.AppendRequest
	SnapshotRequests []raftreplicator.InstallSnapshotRequest
}

// SendAppendEntries implements raftreplicator.Transport.
func (t *Transport) SendAppendEntries(ctx context.Context, req raftreplicator.AppendRequest) (raftreplicator.AppendReply, error) {
	t.mu.Lock()
	t.AppendRequests = append(t.AppendRequests, req)
	handler := t.OnAppend
	t.mu.Unlock()

	if ctx.Err() != nil {
		return raftreplicator.AppendReply{}, ctx.Err()
	}
	if handler == nil {
		return raftreplicator.AppendReply{Result: raftreplicator.ReplySuccess, NextIndex: req.PrevLogTermIndex.Index + uint64(len(req.Entries)) + 1}, nil
	}
	return handler(req)
}

// SendInstallSnapshot implements raftreplicator.Transport.
func (t *Transport) SendInstallSnapshot(ctx context.Context, req raftreplicator.InstallSnapshotRequest) (raftreplicator.InstallSnapshotReply, error) {
	t.mu.Lock()
	t.SnapshotRequests = append(t.SnapshotRequests, req)
	handler := t.OnSnapshot
	t.mu.Unlock()

	if ctx.Err() != nil {
		return raftreplicator.InstallSnapshotReply{}, ctx.Err()
	}
	if handler == nil {
		return raftreplicator.InstallSnapshotReply{Result: raftreplicator.InstallSnapshotSuccess, Success: true}, nil
	}
	return handler(req)
}

// AppendCount returns how many AppendEntries calls have been recorded.
func (t *Transport) AppendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.AppendRequests)
}

// SnapshotCount returns how many InstallSnapshot calls have been recorded.
func (t *Transport) SnapshotCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.SnapshotRequests)
}

// LastAppend returns the most recent AppendEntries request, if any.
func (t *Transport) LastAppend() (raftreplicator.AppendRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.AppendRequests) == 0 {
		return raftreplicator.AppendRequest{}, false
	}
	return t.AppendRequests[len(t.AppendRequests)-1], true
}
