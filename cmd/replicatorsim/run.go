package main

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	raftreplicator "github.com/yucl80/raftreplicator"
	"github.com/yucl80/raftreplicator/internal/chantransport"
	"github.com/yucl80/raftreplicator/internal/memlog"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single Replicator against an in-memory log and transport",
		RunE:  runSim,
	}

	flags := cmd.Flags()
	flags.Int("entries", 25, "number of log entries to append over the run")
	flags.Int("buffer-capacity", 8, "max entries per AppendEntries batch")
	flags.Bool("batch-enabled", true, "stage up to buffer-capacity entries per request; a partial batch is sent once the log has no more entries")
	flags.Duration("min-election-timeout", time.Second, "heartbeat cadence is half this")
	flags.Duration("sync-interval", 250*time.Millisecond, "retry backoff after a transport error")
	flags.Duration("duration", 3*time.Second, "how long to run the simulation")
	flags.Int("inconsistent-at", -1, "append index at which the simulated follower replies INCONSISTENCY once (-1 disables)")

	for _, name := range []string{"entries", "buffer-capacity", "batch-enabled", "min-election-timeout", "sync-interval", "duration", "inconsistent-at"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	return cmd
}

func runSim(cmd *cobra.Command, args []string) error {
	store := memlog.New(1)
	transport := &chantransport.Transport{}
	progress := raftreplicator.NewFollowerProgress(1, true)
	coord := newSimCoordinator(viper.GetDuration("sync-interval"), viper.GetDuration("min-election-timeout"))

	cfg, err := raftreplicator.NewConfig(
		raftreplicator.WithBufferCapacity(viper.GetInt("buffer-capacity")),
		raftreplicator.WithBatchEnabled(viper.GetBool("batch-enabled")),
		raftreplicator.WithMinElectionTimeout(viper.GetDuration("min-election-timeout")),
		raftreplicator.WithSyncInterval(viper.GetDuration("sync-interval")),
	)
	if err != nil {
		return err
	}

	inconsistentAt := viper.GetInt("inconsistent-at")
	var once sync.Once
	transport.OnAppend = func(req raftreplicator.AppendRequest) (raftreplicator.AppendReply, error) {
		if inconsistentAt >= 0 && len(req.Entries) > 0 && req.Entries[0].Index == uint64(inconsistentAt) {
			var reply raftreplicator.AppendReply
			once.Do(func() {
				reply = raftreplicator.AppendReply{Result: raftreplicator.ReplyInconsistency, NextIndex: 1}
			})
			if reply.Result == raftreplicator.ReplyInconsistency {
				return reply, nil
			}
		}
		return raftreplicator.AppendReply{
			Result:    raftreplicator.ReplySuccess,
			NextIndex: req.PrevLogTermIndex.Index + uint64(len(req.Entries)) + 1,
		}, nil
	}

	r := raftreplicator.NewReplicator("follower-sim", "leader-sim", 1, store, transport, progress, coord, cfg, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("duration"))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	entries := viper.GetInt("entries")
	go func() {
		for i := 1; i <= entries; i++ {
			store.Append(raftreplicator.Entry{Term: 1, Index: uint64(i), Payload: []byte("op")})
			r.NotifyAppend()
			time.Sleep(20 * time.Millisecond)
		}
	}()

	err = <-done
	snap := progress.Snapshot()
	logger.Info("simulation finished",
		"error", err,
		"nextIndex", snap.NextIndex,
		"matchIndex", snap.MatchIndex,
		"appendRequestsSent", transport.AppendCount(),
	)
	return err
}

// simCoordinator is a minimal LeaderCoordinator that logs every event it
// receives instead of tracking real commit state.
type simCoordinator struct {
	sync     time.Duration
	minElect time.Duration
}

func newSimCoordinator(sync, minElect time.Duration) *simCoordinator {
	return &simCoordinator{sync: sync, minElect: minElect}
}

func (c *simCoordinator) Submit(ev raftreplicator.ProgressEvent) {
	logger.Info("progress event", "kind", ev.Kind, "follower", ev.FollowerID, "matchIndex", ev.MatchIndex, "term", ev.Term)
}

func (c *simCoordinator) CurrentTerm() uint64               { return 1 }
func (c *simCoordinator) SyncInterval() time.Duration       { return c.sync }
func (c *simCoordinator) MinElectionTimeout() time.Duration { return c.minElect }
func (c *simCoordinator) SnapshotChunkMaxSize() uint64      { return 16 * 1024 }
