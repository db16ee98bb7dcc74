package hsg

import "sync"

// CoactPair is one co-returned memory pair, tenant-tagged so the maintenance
// consumer never reinforces edges across tenants.
type CoactPair struct {
	A, B   string
	UserID string
}

// coactivationCapacity bounds the buffer; enqueues beyond it are dropped
// (drop-newest) so the query hot path never blocks on maintenance lag.
const coactivationCapacity = 500

// CoactivationBuffer is the bounded producer-consumer queue between the
// query path and the waypoint maintenance loop.
type CoactivationBuffer struct {
	mu    sync.Mutex
	pairs []CoactPair
}

// NewCoactivationBuffer creates an empty buffer.
func NewCoactivationBuffer() *CoactivationBuffer {
	return &CoactivationBuffer{}
}

// Push enqueues a pair, dropping it silently when the buffer is full.
// Returns whether the pair was accepted.
func (b *CoactivationBuffer) Push(a, bID, userID string) bool {
	if a == "" || bID == "" || a == bID {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pairs) >= coactivationCapacity {
		return false
	}
	b.pairs = append(b.pairs, CoactPair{A: a, B: bID, UserID: userID})
	return true
}

// Drain removes and returns up to n pairs in FIFO order.
func (b *CoactivationBuffer) Drain(n int) []CoactPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.pairs) {
		n = len(b.pairs)
	}
	if n == 0 {
		return nil
	}
	out := make([]CoactPair, n)
	copy(out, b.pairs[:n])
	b.pairs = append(b.pairs[:0], b.pairs[n:]...)
	return out
}

// Len reports the buffered pair count.
func (b *CoactivationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}
