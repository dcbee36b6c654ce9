package raftreplicator

// BatchBuffer is the bounded staging area for entries pending in the next
// AppendEntries request (spec §3, §4.1). It is owned by exactly one
// Replicator and is not safe for concurrent use.
//
// The teacher (mauri870-raft/replication.go) builds req.Entries directly
// inline inside replicateTo/pipelineSend on every call; this module lifts
// that accumulation into its own type so AppendDriver can reason about
// "how much more can I stage this tick" independently of "when do I send",
// per spec §4.2's createRequest/shouldSend split.
type BatchBuffer struct {
	capacity int
	entries  []Entry
}

// NewBatchBuffer constructs an empty buffer with the given capacity.
func NewBatchBuffer(capacity int) *BatchBuffer {
	return &BatchBuffer{capacity: capacity}
}

// Append adds entries to the tail. Callers must ensure the total never
// exceeds capacity; Append panics otherwise, since that would indicate an
// AppendDriver bug (it should never request more than Remaining()).
func (b *BatchBuffer) Append(entries ...Entry) {
	if len(b.entries)+len(entries) > b.capacity {
		panic("raftreplicator: BatchBuffer.Append would exceed capacity")
	}
	b.entries = append(b.entries, entries...)
}

// Remaining returns how many more entries can be staged before the buffer
// is full.
func (b *BatchBuffer) Remaining() int {
	return b.capacity - len(b.entries)
}

// Pending returns how many entries are currently staged.
func (b *BatchBuffer) Pending() int {
	return len(b.entries)
}

// IsFull reports whether the buffer has no remaining capacity.
func (b *BatchBuffer) IsFull() bool {
	return len(b.entries) >= b.capacity
}

// IsEmpty reports whether the buffer currently holds no entries.
func (b *BatchBuffer) IsEmpty() bool {
	return len(b.entries) == 0
}

// DrainInto constructs an AppendRequest from the buffer's current contents
// and clears it atomically, so no entry is ever sent twice from here. prev
// is the (term, index) immediately preceding the first staged entry, if
// any.
func (b *BatchBuffer) DrainInto(leaderTerm uint64, leaderID, targetID string, prev TermIndex, hasPrev bool) AppendRequest {
	entries := b.entries
	b.entries = nil

	req := AppendRequest{
		LeaderTerm:         leaderTerm,
		LeaderID:           leaderID,
		TargetID:           targetID,
		PrevLogTermIndex:   prev,
		HasPrev:            hasPrev,
		Entries:            entries,
		IsHeartbeatOrProbe: len(entries) == 0,
	}
	return req
}
