// Package hsg implements the Hierarchical Storage Graph engine: add, query,
// update, delete, and reinforce over the store, vector store, classifier,
// embedder, and dynamics, plus the background maintenance loops.
package hsg

import (
	"encoding/hex"
	"hash/fnv"
	"strings"
)

// Simhash returns the 64-bit locality-sensitive fingerprint of text as a
// 16-character hex string. Near-duplicate texts share most bits; the add
// path uses it for idempotency lookups.
func Simhash(text string) string {
	var weights [64]int

	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var fingerprint uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			fingerprint |= 1 << uint(bit)
		}
	}

	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(fingerprint >> uint(56-8*i))
	}
	return hex.EncodeToString(buf[:])
}
