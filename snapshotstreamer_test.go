package raftreplicator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yucl80/raftreplicator/internal/chantransport"
	"github.com/yucl80/raftreplicator/internal/memlog"
)

func digestOf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Scenario 4 (spec §8): snapshot install. Log.startIndex=100,
// follower.nextIndex=50, snapshot termIndex=(3,99), files F1=300 bytes,
// F2=120 bytes, chunkMax=128.
func TestSnapshotStreamer_ChunkSequence(t *testing.T) {
	store := memlog.New(100)

	f1Data := bytes.Repeat([]byte{0xAB}, 300)
	f2Data := bytes.Repeat([]byte{0xCD}, 120)
	f1Info := store.PutSnapshotFile("f1.dat", f1Data, digestOf(f1Data))
	f2Info := store.PutSnapshotFile("f2.dat", f2Data, digestOf(f2Data))

	snap := Snapshot{
		TermIndex: TermIndex{Term: 3, Index: 99},
		Files:     []FileInfo{f1Info, f2Info},
	}
	store.SetSnapshot(snap.TermIndex, snap.Files)

	transport := &chantransport.Transport{}
	progress := NewFollowerProgress(50, true)

	streamer := NewSnapshotStreamer("leader-1", "follower-1", snap, 128, store, transport, progress, testLogger(), nil)
	completed, err := streamer.Stream(context.Background())
	require.NoError(t, err)
	require.True(t, completed)

	reqs := transport.SnapshotRequests
	require.Len(t, reqs, 4)

	want := []struct {
		filename   string
		offset     uint64
		chunkIndex uint64
		length     int
		done       bool
	}{
		{"f1.dat", 0, 0, 128, false},
		{"f1.dat", 128, 1, 128, false},
		{"f1.dat", 256, 2, 44, true},
		{"f2.dat", 0, 0, 120, true},
	}

	for i, w := range want {
		c := reqs[i].Chunk
		assert.Equal(t, w.filename, c.Filename, "chunk %d filename", i)
		assert.Equal(t, w.offset, c.Offset, "chunk %d offset", i)
		assert.Equal(t, w.chunkIndex, c.ChunkIndex, "chunk %d chunkIndex", i)
		assert.Len(t, c.Data, w.length, "chunk %d length", i)
		assert.Equal(t, w.done, c.Done, "chunk %d done", i)
		assert.Equal(t, uint64(i), reqs[i].RequestIndex, "chunk %d requestIndex", i)
		assert.Equal(t, reqs[0].RequestID, reqs[i].RequestID, "requestId stable across one install")
	}

	// Snapshot-level done is set only on the final request.
	for i := 0; i < 3; i++ {
		assert.False(t, reqs[i].SnapshotDone, "request %d should not carry snapshot-level done", i)
	}
	assert.True(t, reqs[3].SnapshotDone)

	// Same digest carried on every chunk of a file (spec §3).
	assert.Equal(t, f1Info.Digest, reqs[0].Chunk.Digest)
	assert.Equal(t, f1Info.Digest, reqs[1].Chunk.Digest)
	assert.Equal(t, f1Info.Digest, reqs[2].Chunk.Digest)
	assert.Equal(t, f2Info.Digest, reqs[3].Chunk.Digest)
}

// On full successful stream: matchIndex := snapshot.index, nextIndex :=
// snapshot.index + 1 (spec §4.3, scenario 4).
func TestSnapshotStreamer_ProgressAdvancesViaReplicator(t *testing.T) {
	store := memlog.New(100)
	f1Data := bytes.Repeat([]byte{0x01}, 10)
	f1Info := store.PutSnapshotFile("f1.dat", f1Data, digestOf(f1Data))
	tip := TermIndex{Term: 3, Index: 99}
	store.SetSnapshot(tip, []FileInfo{f1Info})

	transport := &chantransport.Transport{}
	progress := NewFollowerProgress(50, true)
	coord := newFakeCoordinator(3)
	cfg := mustConfig(t, WithSnapshotChunkMaxSize(128))

	r := NewReplicator("follower-1", "leader-1", 3, store, transport, progress, coord, cfg, testLogger())

	require.True(t, r.shouldInstallSnapshot())
	completed, err := r.runSnapshotTransfer(context.Background())
	require.NoError(t, err)
	require.True(t, completed)

	assert.Equal(t, uint64(99), progress.MatchIndex())
	assert.Equal(t, uint64(100), progress.NextIndex())

	events := coord.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventUpdateCommit, events[0].Kind)
	assert.Equal(t, uint64(99), events[0].MatchIndex)
}

// A non-success reply aborts the stream without advancing progress, and the
// tick loop is expected to retry with a fresh streamer next time.
func TestSnapshotStreamer_AbortsOnRejection(t *testing.T) {
	store := memlog.New(100)
	f1Data := bytes.Repeat([]byte{0x01}, 300)
	f1Info := store.PutSnapshotFile("f1.dat", f1Data, digestOf(f1Data))
	snap := Snapshot{TermIndex: TermIndex{Term: 3, Index: 99}, Files: []FileInfo{f1Info}}
	store.SetSnapshot(snap.TermIndex, snap.Files)

	transport := &chantransport.Transport{}
	var calls int
	transport.OnSnapshot = func(req InstallSnapshotRequest) (InstallSnapshotReply, error) {
		calls++
		if calls == 2 {
			return InstallSnapshotReply{Result: InstallSnapshotNotLeader, Success: false}, nil
		}
		return InstallSnapshotReply{Result: InstallSnapshotSuccess, Success: true}, nil
	}

	progress := NewFollowerProgress(50, true)
	streamer := NewSnapshotStreamer("leader-1", "follower-1", snap, 128, store, transport, progress, testLogger(), nil)

	completed, err := streamer.Stream(context.Background())
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, 2, calls)
}

// A NOT_LEADER InstallSnapshot reply must step the leader down exactly like
// a NOT_LEADER AppendEntries reply does (spec §3, §6): the Replicator-level
// wiring (runSnapshotTransfer -> checkResponseTerm) must observe it even
// though the SnapshotStreamer itself only knows about onTerm.
func TestSnapshotStreamer_NotLeaderReplyStepsDown(t *testing.T) {
	store := memlog.New(100)
	f1Data := bytes.Repeat([]byte{0x01}, 10)
	f1Info := store.PutSnapshotFile("f1.dat", f1Data, digestOf(f1Data))
	snap := Snapshot{TermIndex: TermIndex{Term: 3, Index: 99}, Files: []FileInfo{f1Info}}
	store.SetSnapshot(snap.TermIndex, snap.Files)

	transport := &chantransport.Transport{}
	transport.OnSnapshot = func(req InstallSnapshotRequest) (InstallSnapshotReply, error) {
		return InstallSnapshotReply{Result: InstallSnapshotNotLeader, Success: false, Term: 9}, nil
	}

	progress := NewFollowerProgress(50, true)
	coord := newFakeCoordinator(3)
	cfg := mustConfig(t, WithSnapshotChunkMaxSize(128))
	r := NewReplicator("follower-1", "leader-1", 3, store, transport, progress, coord, cfg, testLogger())

	completed, err := r.runSnapshotTransfer(context.Background())
	require.NoError(t, err)
	assert.False(t, completed)

	events := coord.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventStepDown, events[0].Kind)
	assert.Equal(t, uint64(9), events[0].Term)
	assert.Equal(t, stateStopping, r.State())
}

// A non-fatal, incomplete snapshot attempt (transport rejects every chunk)
// must back off by cfg.SyncInterval before Run tries again, the same as
// sendWithRetries does for AppendEntries, instead of busy-looping the tick.
func TestReplicator_SnapshotRetryBacksOffBeforeNextAttempt(t *testing.T) {
	store := memlog.New(100)
	f1Data := bytes.Repeat([]byte{0x01}, 10)
	f1Info := store.PutSnapshotFile("f1.dat", f1Data, digestOf(f1Data))
	snap := Snapshot{TermIndex: TermIndex{Term: 3, Index: 99}, Files: []FileInfo{f1Info}}
	store.SetSnapshot(snap.TermIndex, snap.Files)

	transport := &chantransport.Transport{}
	transport.OnSnapshot = func(req InstallSnapshotRequest) (InstallSnapshotReply, error) {
		return InstallSnapshotReply{Result: InstallSnapshotInProgress, Success: false}, nil
	}

	progress := NewFollowerProgress(50, true)
	coord := newFakeCoordinator(3)
	cfg := mustConfig(t, WithSnapshotChunkMaxSize(128), WithSyncInterval(60*time.Millisecond))
	r := NewReplicator("follower-1", "leader-1", 3, store, transport, progress, coord, cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 170*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	// Without the syncInterval backoff this would busy-loop into hundreds of
	// attempts in 170ms; with it, at most two or three fit.
	assert.LessOrEqual(t, transport.SnapshotCount(), 3)
	assert.GreaterOrEqual(t, transport.SnapshotCount(), 1)
}
