package ice

import (
	"sync"
	"time"

	"supportcall/native/internal/domain"
)

// Entry is one locally discovered candidate kept for retry and replay.
type Entry struct {
	Candidate domain.ICECandidatePayload
	TargetID  string
	Priority  Priority
	Timestamp time.Time
}

// Buffer is an append-only, per-call list of local candidates. It has no
// eviction beyond Clear; calls are short and candidate counts small.
type Buffer struct {
	mu      sync.Mutex
	entries map[string][]Entry
	now     func() time.Time
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		entries: make(map[string][]Entry),
		now:     time.Now,
	}
}

// Add records a candidate for callID and returns the stored entry.
func (b *Buffer) Add(callID, targetID string, c domain.ICECandidatePayload) Entry {
	e := Entry{
		Candidate: c,
		TargetID:  targetID,
		Priority:  Classify(c.Candidate),
		Timestamp: b.now(),
	}

	b.mu.Lock()
	b.entries[callID] = append(b.entries[callID], e)
	b.mu.Unlock()
	return e
}

// Entries returns a copy of the candidates recorded for callID, oldest first.
func (b *Buffer) Entries(callID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.entries[callID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Len returns how many candidates are recorded for callID.
func (b *Buffer) Len(callID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[callID])
}

// Clear drops every entry of every call.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = make(map[string][]Entry)
	b.mu.Unlock()
}
