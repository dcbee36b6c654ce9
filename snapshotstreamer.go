package raftreplicator

import (
	"context"
	"fmt"
	"io"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// SnapshotStreamer produces an ordered, lazy sequence of InstallSnapshot
// requests for one snapshot install attempt (spec §4.3). It is a pull-based
// iterator that owns its current file handle and guarantees release on
// every exit path, including read failure and cancellation (design note
// §9).
//
// Per the Open Question resolution in DESIGN.md, a SnapshotStreamer is never
// reused across attempts: each time the Replicator's tick loop decides to
// install a snapshot, it builds a fresh SnapshotStreamer (fresh requestId)
// over LogSource.LatestSnapshot() as it stands *at that moment*, so a
// snapshot rotated out from under an in-flight install is abandoned cleanly
// rather than collided with.
type SnapshotStreamer struct {
	log       LogSource
	transport Transport
	progress  *FollowerProgress
	logger    hclog.Logger

	leaderID  string
	targetID  string
	requestID string
	chunkMax  uint64

	// onTerm is invoked with a NOT_LEADER reply's observed term, exactly
	// the way checkResponseTerm handles an AppendEntries NOT_LEADER reply
	// (spec §3, §6): a higher term steps the leader down, even mid-install.
	onTerm func(term uint64)

	snapshot Snapshot
}

// NewSnapshotStreamer builds a streamer for the given snapshot, minting a
// fresh request identity. onTerm is called with the term carried by any
// NOT_LEADER InstallSnapshot reply.
func NewSnapshotStreamer(
	leaderID, targetID string,
	snapshot Snapshot,
	chunkMax uint64,
	log LogSource,
	transport Transport,
	progress *FollowerProgress,
	logger hclog.Logger,
	onTerm func(term uint64),
) *SnapshotStreamer {
	if logger == nil {
		logger = hclog.Default()
	}
	if onTerm == nil {
		onTerm = func(uint64) {}
	}
	return &SnapshotStreamer{
		log:       log,
		transport: transport,
		progress:  progress,
		logger:    logger.Named("snapshot-streamer").With("peer", targetID),
		leaderID:  leaderID,
		targetID:  targetID,
		requestID: uuid.NewString(),
		chunkMax:  chunkMax,
		onTerm:    onTerm,
		snapshot:  snapshot,
	}
}

// Stream drives the full transfer: for every chunk of every file, it sends
// one InstallSnapshot request, updates lastRpcSend/lastRpcResponse, and
// inspects the reply. It returns completed=true only if every file streamed
// to success. A non-success reply or a non-cancellation transport error
// returns completed=false, err=nil (spec §7: log and let the tick loop
// retry with a fresh streamer). A snapshot file open or read error is
// returned as err, which Run logs before retrying after syncInterval.
// Cancellation propagates as an error.
func (s *SnapshotStreamer) Stream(ctx context.Context) (completed bool, err error) {
	var requestIndex uint64

	for fileIdx, file := range s.snapshot.Files {
		isLastFile := fileIdx == len(s.snapshot.Files)-1

		fileCompleted, nextIndex, streamErr := s.streamFile(ctx, file, isLastFile, requestIndex)
		requestIndex = nextIndex
		if streamErr != nil {
			return false, streamErr
		}
		if !fileCompleted {
			return false, nil
		}
	}

	return true, nil
}

// streamFile streams one file's chunks. It opens the file handle on entry
// and closes it on every exit path via defer, aggregating a read error with
// a close error through go-multierror when both occur.
func (s *SnapshotStreamer) streamFile(ctx context.Context, file FileInfo, isLastFile bool, startRequestIndex uint64) (completed bool, nextRequestIndex uint64, err error) {
	handle, openErr := s.log.OpenSnapshotFile(file.RelativePath)
	if openErr != nil {
		return false, startRequestIndex, fmt.Errorf("raftreplicator: open snapshot file %s: %w", file.RelativePath, openErr)
	}
	defer func() {
		if closeErr := handle.Close(); closeErr != nil {
			err = multierror.Append(err, fmt.Errorf("close snapshot file %s: %w", file.RelativePath, closeErr)).ErrorOrNil()
		}
	}()

	bufSize := s.chunkMax
	if file.Size < bufSize {
		bufSize = file.Size
	}
	buf := make([]byte, bufSize)

	requestIndex := startRequestIndex
	var offset uint64
	chunkIndex := uint64(0)

	for offset < file.Size {
		remaining := file.Size - offset
		length := s.chunkMax
		if remaining < length {
			length = remaining
		}

		n, readErr := io.ReadFull(handle, buf[:length])
		if readErr != nil {
			return false, requestIndex, fmt.Errorf("raftreplicator: read snapshot file %s at offset %d: %w", file.RelativePath, offset, readErr)
		}

		done := offset+uint64(n) == file.Size
		chunk := FileChunk{
			Filename:   file.RelativePath,
			Offset:     offset,
			ChunkIndex: chunkIndex,
			Data:       append([]byte(nil), buf[:n]...),
			Done:       done,
			Digest:     file.Digest,
		}

		snapshotDone := isLastFile && done

		req := InstallSnapshotRequest{
			LeaderID:     s.leaderID,
			TargetID:     s.targetID,
			RequestID:    s.requestID,
			RequestIndex: requestIndex,
			SnapshotTip:  s.snapshot.TermIndex,
			Chunk:        chunk,
			SnapshotDone: snapshotDone,
		}

		ok, sendErr := s.sendChunk(ctx, req)
		requestIndex++
		if sendErr != nil {
			return false, requestIndex, sendErr
		}
		if !ok {
			return false, requestIndex, nil
		}

		offset += uint64(n)
		chunkIndex++
	}

	return true, requestIndex, nil
}

// sendChunk sends one InstallSnapshot request and interprets the reply.
// Cancellation propagates unchanged; any other transport error or a
// non-success reply is treated as a recoverable stream abort (spec §4.3
// drive loop / §7 snapshot I/O error).
func (s *SnapshotStreamer) sendChunk(ctx context.Context, req InstallSnapshotRequest) (success bool, err error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	s.progress.MarkSend(time.Now())
	start := time.Now()
	reply, sendErr := s.transport.SendInstallSnapshot(ctx, req)
	if sendErr != nil {
		if isCancellation(sendErr) || ctx.Err() != nil {
			return false, sendErr
		}
		s.logger.Warn("InstallSnapshot failed", "file", req.Chunk.Filename, "chunk_index", req.Chunk.ChunkIndex, "error", sendErr)
		return false, nil
	}
	metrics.MeasureSince([]string{"raftreplicator", "replication", "installSnapshot", s.targetID}, start)
	s.progress.MarkResponse(time.Now())

	if !reply.Success {
		if reply.Result == InstallSnapshotNotLeader {
			s.onTerm(reply.Term)
		}
		s.logger.Warn("InstallSnapshot rejected", "file", req.Chunk.Filename, "chunk_index", req.Chunk.ChunkIndex, "result", reply.Result)
		return false, nil
	}
	return true, nil
}

// runSnapshotTransfer is the Replicator-side glue: build a fresh streamer
// over the current snapshot, drive it, and apply the outcome to
// FollowerProgress. The returned completed flag tells Run whether to back
// off before the next attempt (spec §4.2/§7: failed/incomplete attempts
// retry after syncInterval, same as AppendEntries).
func (r *Replicator) runSnapshotTransfer(ctx context.Context) (completed bool, err error) {
	snap, ok := r.log.LatestSnapshot()
	if !ok {
		return false, ErrNoSnapshot
	}

	streamer := NewSnapshotStreamer(
		r.leaderID, r.targetID,
		snap,
		r.cfg.SnapshotChunkMaxSize,
		r.log, r.transport, r.progress,
		r.logger,
		r.checkResponseTerm,
	)

	completed, err = streamer.Stream(ctx)
	if err != nil {
		return false, err
	}
	if !completed {
		return false, nil
	}

	r.progress.AdvanceAfterSnapshot(snap.TermIndex)
	r.emitProgress()
	return true, nil
}
