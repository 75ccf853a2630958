// File: protocol/random.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-owner randomness for mask keys and client keys. Sources are never
// shared between connections; each one is owned by a single writer.

package protocol

import (
	crand "crypto/rand"
	"io"
	"math/rand/v2"
)

// NewRand returns an unpredictable, non-cryptographic byte source seeded
// from the OS entropy pool. The result is not safe for concurrent use.
func NewRand() io.Reader {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("protocol: seeding random source: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}

// NewSeededRand returns a deterministic source for tests and replay.
func NewSeededRand(seed [32]byte) io.Reader {
	return rand.NewChaCha8(seed)
}
