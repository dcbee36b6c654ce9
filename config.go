package raftreplicator

import (
	"fmt"
	"time"
)

// Config holds the construction-time parameters spec §6 names. It is read
// once at Replicator construction and never mutated afterward.
type Config struct {
	// BufferCapacity is the max entries staged per AppendEntries batch.
	BufferCapacity int
	// BatchEnabled, when false, flushes any non-empty buffer immediately.
	// When true, a partial buffer is still flushed once the log has no
	// further entries to stage.
	BatchEnabled bool
	// SnapshotChunkMaxSize bounds a single InstallSnapshot chunk payload,
	// in bytes.
	SnapshotChunkMaxSize uint64
	// MinElectionTimeout derives the heartbeat cadence (halved).
	MinElectionTimeout time.Duration
	// SyncInterval is the retry backoff after a transport error.
	SyncInterval time.Duration
}

// Option mutates a Config at construction time.
type Option func(*Config)

// DefaultConfig mirrors the conservative defaults a HashiCorp-style raft
// config ships: small batches, snapshot chunks capped well under typical
// RPC message limits, a heartbeat well inside common election timeouts.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:       64,
		BatchEnabled:         true,
		SnapshotChunkMaxSize: 16 * 1024,
		MinElectionTimeout:   1000 * time.Millisecond,
		SyncInterval:         500 * time.Millisecond,
	}
}

// WithBufferCapacity overrides BufferCapacity.
func WithBufferCapacity(n int) Option {
	return func(c *Config) { c.BufferCapacity = n }
}

// WithBatchEnabled overrides BatchEnabled.
func WithBatchEnabled(enabled bool) Option {
	return func(c *Config) { c.BatchEnabled = enabled }
}

// WithSnapshotChunkMaxSize overrides SnapshotChunkMaxSize.
func WithSnapshotChunkMaxSize(n uint64) Option {
	return func(c *Config) { c.SnapshotChunkMaxSize = n }
}

// WithMinElectionTimeout overrides MinElectionTimeout.
func WithMinElectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.MinElectionTimeout = d }
}

// WithSyncInterval overrides SyncInterval.
func WithSyncInterval(d time.Duration) Option {
	return func(c *Config) { c.SyncInterval = d }
}

// NewConfig builds a Config from DefaultConfig plus options, then validates
// it.
func NewConfig(opts ...Option) (Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations that would make the tick loop or batch
// buffer misbehave.
func (c Config) Validate() error {
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("raftreplicator: BufferCapacity must be positive, got %d", c.BufferCapacity)
	}
	if c.SnapshotChunkMaxSize == 0 {
		return fmt.Errorf("raftreplicator: SnapshotChunkMaxSize must be positive")
	}
	if c.MinElectionTimeout <= 0 {
		return fmt.Errorf("raftreplicator: MinElectionTimeout must be positive, got %s", c.MinElectionTimeout)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("raftreplicator: SyncInterval must be positive, got %s", c.SyncInterval)
	}
	return nil
}

// heartbeatInterval is the cadence derived from MinElectionTimeout per spec
// §4.2: heartbeatDue := now >= lastRpcSend + minElectionTimeout/2.
func (c Config) heartbeatInterval() time.Duration {
	return c.MinElectionTimeout / 2
}
