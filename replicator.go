package raftreplicator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// replicatorState is the Running/Stopping/Stopped state machine of §4.5.
type replicatorState int32

const (
	stateRunning replicatorState = iota
	stateStopping
	stateStopped
)

// Replicator is the per-follower log-replication worker: the AppendDriver
// plus its state machine and heartbeat/wakeup rendezvous (spec §2, §4, §4.4,
// §4.5). One Replicator corresponds to one goroutine; callers run it with
// `go replicator.Run(ctx)`.
type Replicator struct {
	targetID   string
	leaderID   string
	leaderTerm uint64

	log         LogSource
	transport   Transport
	progress    *FollowerProgress
	coordinator LeaderCoordinator
	cfg         Config
	logger      hclog.Logger

	buffer *BatchBuffer

	state     atomic.Int32
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wakeupCh  chan struct{}
	stepOnce  sync.Once
}

// NewReplicator constructs a Replicator for one follower. leaderTerm is
// fixed for the life of this Replicator (spec §3): if a NOT_LEADER reply's
// term exceeds it while the follower attends the vote, the Replicator emits
// StepDown and stops.
func NewReplicator(
	targetID, leaderID string,
	leaderTerm uint64,
	log LogSource,
	transport Transport,
	progress *FollowerProgress,
	coordinator LeaderCoordinator,
	cfg Config,
	logger hclog.Logger,
) *Replicator {
	if logger == nil {
		logger = hclog.Default()
	}
	r := &Replicator{
		targetID:    targetID,
		leaderID:    leaderID,
		leaderTerm:  leaderTerm,
		log:         log,
		transport:   transport,
		progress:    progress,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger.Named("replicator").With("peer", targetID),
		buffer:      NewBatchBuffer(cfg.BufferCapacity),
		wakeupCh:    make(chan struct{}, 1),
	}
	r.state.Store(int32(stateRunning))
	return r
}

// NotifyAppend wakes the Replicator's heartbeat wait when new entries have
// been appended to the log. Spurious or redundant wakeups are harmless: the
// loop re-evaluates shouldSend from scratch (spec §4.4).
func (r *Replicator) NotifyAppend() {
	select {
	case r.wakeupCh <- struct{}{}:
	default:
	}
}

// Stop transitions Running -> Stopping. It is idempotent and non-blocking
// (spec §5); the tick loop observes the cancellation at its next suspension
// point and exits, transitioning Stopping -> Stopped.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		r.state.Store(int32(stateStopping))
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// State reports the current lifecycle state.
func (r *Replicator) State() replicatorState {
	return replicatorState(r.state.Load())
}

func (r *Replicator) isRunning() bool {
	return replicatorState(r.state.Load()) == stateRunning
}

// Run executes the tick loop until Stop is called, the parent context is
// cancelled, or a fatal protocol-invariant violation occurs. It returns nil
// on clean shutdown, the triggering error on ctx cancellation, or a
// *FatalReplicationError on protocol violation.
func (r *Replicator) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	defer cancel()
	defer r.state.Store(int32(stateStopped))

	for {
		if err := parent.Err(); err != nil {
			return err
		}
		if !r.isRunning() {
			// Stop() was called (directly, or by checkResponseTerm/
			// stopFatal below). The parent context is still live, so this
			// is a clean, voluntary shutdown.
			return nil
		}

		if r.shouldInstallSnapshot() {
			completed, err := r.runSnapshotTransfer(ctx)
			if err != nil {
				if isCancellation(err) {
					continue // re-evaluate at the top; parent.Err() decides.
				}
				if IsFatal(err) {
					r.stopFatal(err)
					return err
				}
				r.logger.Warn("snapshot transfer attempt failed, will retry after syncInterval", "error", err)
			}
			if !completed {
				// Mirrors sendWithRetries' syncInterval backoff: a failed or
				// partial install (or a transient ErrNoSnapshot) must not
				// busy-loop the tick.
				if waitErr := r.waitBackoff(ctx); waitErr != nil {
					continue // re-evaluate at the top; parent.Err() decides.
				}
			}
			continue
		}

		if r.shouldSend() {
			req, empty := r.createRequest()
			if !empty {
				reply, err := r.sendWithRetries(ctx, req)
				if err != nil {
					// Cancellation (parent or voluntary Stop) and
					// transient transport errors both loop back to the
					// top, which is the single place that decides whether
					// to return parent.Err() or exit cleanly.
					continue
				}
				if err := r.handleReply(req, reply); err != nil {
					r.stopFatal(err)
					return err
				}
				continue
			}
		}

		r.waitForNextTick(ctx)
	}
}

func (r *Replicator) stopFatal(err error) {
	r.logger.Error("fatal protocol violation, stopping replicator", "error", err)
	r.Stop()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// shouldSend implements spec §4.2: shouldSend := nextIndex < log.nextIndex()
// OR heartbeatDue().
func (r *Replicator) shouldSend() bool {
	return r.progress.NextIndex() < r.log.NextIndex() || r.heartbeatDue()
}

// heartbeatDue implements spec §4.2/§4.4: now >= lastRpcSend +
// minElectionTimeout/2.
func (r *Replicator) heartbeatDue() bool {
	last := r.progress.LastSend()
	if last.IsZero() {
		return true
	}
	return !time.Now().Before(last.Add(r.cfg.heartbeatInterval()))
}

// shouldInstallSnapshot implements spec §4.2: switch to SnapshotStreamer
// when the follower has fallen behind the log-start boundary, or the log is
// currently empty (fully compacted) and a snapshot exists.
func (r *Replicator) shouldInstallSnapshot() bool {
	next := r.progress.NextIndex()
	if next >= r.log.NextIndex() {
		return false
	}
	if next < r.log.StartIndex() {
		return true
	}
	if r.log.StartIndex() == r.log.NextIndex() {
		if _, ok := r.log.LatestSnapshot(); ok {
			return true
		}
	}
	return false
}

// createRequest implements spec §4.2 createRequest: compute previous,
// greedily fill the buffer from the log, and decide whether this tick's
// contents are worth sending. It returns (req, empty) where empty is true
// when nothing should be sent this tick (buffer not yet ready to flush and
// no heartbeat due).
func (r *Replicator) createRequest() (AppendRequest, bool) {
	nextIndex := r.progress.NextIndex()

	prev, hasPrev := r.computePrevious(nextIndex)

	logicalNext := nextIndex + uint64(r.buffer.Pending())
	for r.log.NextIndex() > logicalNext && r.buffer.Remaining() > 0 {
		want := r.log.NextIndex() - logicalNext
		avail := uint64(r.buffer.Remaining())
		if want > avail {
			want = avail
		}
		entries, err := r.log.GetRange(logicalNext, logicalNext+want)
		if err != nil {
			r.logger.Warn("failed to read log range, will retry next tick", "lo", logicalNext, "hi", logicalNext+want, "error", err)
			break
		}
		if len(entries) == 0 {
			break
		}
		r.buffer.Append(entries...)
		logicalNext = nextIndex + uint64(r.buffer.Pending())
	}

	heartbeatDue := r.heartbeatDue()
	noFurtherGrowth := r.buffer.Pending() > 0 && r.log.NextIndex() <= logicalNext

	shouldFlush := r.buffer.IsFull() ||
		(!r.cfg.BatchEnabled && r.buffer.Pending() > 0) ||
		noFurtherGrowth ||
		heartbeatDue

	if !shouldFlush {
		return AppendRequest{}, true
	}

	req := r.buffer.DrainInto(r.leaderTerm, r.leaderID, r.targetID, prev, hasPrev)
	return req, false
}

// computePrevious implements spec §3/§4.2's prevLogTermIndex derivation.
func (r *Replicator) computePrevious(nextIndex uint64) (TermIndex, bool) {
	if nextIndex == 0 {
		return TermIndex{}, false
	}
	if entry, ok := r.log.Get(nextIndex - 1); ok {
		return TermIndex{Term: entry.Term, Index: entry.Index}, true
	}
	if snap, ok := r.log.LatestSnapshot(); ok {
		return snap.TermIndex, true
	}
	return TermIndex{}, false
}

// sendWithRetries implements spec §4.2 sendWithRetries: the same request is
// retried verbatim after syncInterval on any non-cancellation transport
// error; cancellation propagates unchanged.
func (r *Replicator) sendWithRetries(ctx context.Context, req AppendRequest) (AppendReply, error) {
	for {
		if ctx.Err() != nil {
			return AppendReply{}, ctx.Err()
		}

		r.progress.MarkSend(time.Now())
		start := time.Now()
		reply, err := r.transport.SendAppendEntries(ctx, req)
		if err != nil {
			if isCancellation(err) || ctx.Err() != nil {
				return AppendReply{}, err
			}
			r.logger.Warn("AppendEntries failed, retrying", "error", err, "retry_in", r.cfg.SyncInterval)
			select {
			case <-time.After(r.cfg.SyncInterval):
				continue
			case <-ctx.Done():
				return AppendReply{}, ctx.Err()
			}
		}

		metrics.MeasureSince([]string{"raftreplicator", "replication", "appendEntries", "rpc", r.targetID}, start)
		metrics.IncrCounter([]string{"raftreplicator", "replication", "appendEntries", "entries", r.targetID}, float32(len(req.Entries)))
		r.progress.MarkResponse(time.Now())
		return reply, nil
	}
}

// handleReply implements spec §4.2 handleReply.
func (r *Replicator) handleReply(req AppendRequest, reply AppendReply) error {
	switch reply.Result {
	case ReplySuccess:
		before := r.progress.NextIndex()
		if err := r.progress.AdvanceOnSuccess(reply.NextIndex); err != nil {
			return err
		}
		if reply.NextIndex > before {
			r.emitProgress()
		}
		return nil
	case ReplyNotLeader:
		r.checkResponseTerm(reply.Term)
		return nil
	case ReplyInconsistency:
		r.progress.AdvanceAfterInconsistency(reply.NextIndex)
		return nil
	default:
		r.logger.Warn("unrecognized AppendEntries reply code, ignoring", "result", reply.Result)
		return nil
	}
}

// emitProgress submits StagingProgress or UpdateCommit depending on whether
// this follower currently attends quorum.
func (r *Replicator) emitProgress() {
	snap := r.progress.Snapshot()
	kind := EventStagingProgress
	if snap.AttendingVote {
		kind = EventUpdateCommit
	}
	r.coordinator.Submit(ProgressEvent{
		Kind:       kind,
		FollowerID: r.targetID,
		MatchIndex: snap.MatchIndex,
	})
}

// checkResponseTerm implements spec §4.2/§9: a higher observed term causes a
// StepDown event, emitted at most once per Replicator. Non-vote-bearing
// followers never trigger a step-down, since they don't count toward the
// term they're reporting mattering to quorum (spec's invariant that term
// observation is only acted on when attendingVote holds).
func (r *Replicator) checkResponseTerm(term uint64) {
	if term <= r.leaderTerm {
		return
	}
	if !r.progress.AttendingVote() {
		return
	}
	r.stepOnce.Do(func() {
		r.coordinator.Submit(ProgressEvent{
			Kind:       EventStepDown,
			FollowerID: r.targetID,
			Term:       term,
		})
		r.Stop()
	})
}

// waitForNextTick implements spec §4.4: sleep at most until the next
// heartbeat deadline, or until woken by NotifyAppend, or until the context
// is cancelled.
func (r *Replicator) waitForNextTick(ctx context.Context) error {
	last := r.progress.LastSend()
	var remaining time.Duration
	if last.IsZero() {
		remaining = 0
	} else {
		remaining = time.Until(last.Add(r.cfg.heartbeatInterval()))
	}
	if remaining < 0 {
		remaining = 0
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-r.wakeupCh:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitBackoff pauses for cfg.SyncInterval before the next snapshot-install
// attempt, the same backoff sendWithRetries applies between AppendEntries
// retries (spec §4.2/§7).
func (r *Replicator) waitBackoff(ctx context.Context) error {
	select {
	case <-time.After(r.cfg.SyncInterval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
