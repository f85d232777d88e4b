// Package mathx provides the seedable random source shared by the
// obfuscation passes. All randomized choices (opaque constants, branch
// divergence sampling) flow through one Source so a fixed seed
// reproduces the whole transformation.
package mathx

import (
	"crypto/sha256"
	"hash/fnv"
	"math/rand"
	"os"
	"runtime"
)

// Source is a seedable random source. Not safe for concurrent use.
type Source struct {
	rng *rand.Rand
}

// New creates a Source from an explicit seed.
func New(seed int64) *Source {
	return &Source{rng: rand.New(rand.NewSource(seed))}
}

// NewHostSeeded creates a Source seeded from stable host facts, so
// repeated runs on the same machine produce the same output.
func NewHostSeeded() *Source {
	return New(int64(hostSeed()))
}

func hostSeed() uint64 {
	h := sha256.New()
	h.Write([]byte(runtime.Version()))
	h.Write([]byte(runtime.GOOS))
	h.Write([]byte(runtime.GOARCH))
	if hostname, err := os.Hostname(); err == nil {
		h.Write([]byte(hostname))
	}
	for _, env := range []string{"HOME", "USER"} {
		if val := os.Getenv(env); val != "" {
			h.Write([]byte(val))
		}
	}
	sum := h.Sum(nil)

	fh := fnv.New64a()
	fh.Write(sum)
	return fh.Sum64()
}

// Uint32 returns a uniformly random 32-bit value.
func (s *Source) Uint32() uint32 { return s.rng.Uint32() }

// Intn returns a uniformly random int in [0, n).
func (s *Source) Intn(n int) int { return s.rng.Intn(n) }

// OddUint32 returns a uniformly random odd 32-bit value. Odd values are
// invertible modulo 2^32, which the multiply-based constant encodings
// rely on.
func (s *Source) OddUint32() uint32 { return s.rng.Uint32() | 1 }

// SampleUint64s returns min(k, len(in)) distinct elements of in, chosen
// uniformly without replacement. The result preserves the relative order
// of in; in itself is not modified.
func (s *Source) SampleUint64s(in []uint64, k int) []uint64 {
	if k >= len(in) {
		out := make([]uint64, len(in))
		copy(out, in)
		return out
	}
	// floyd's sampling: k distinct indices, then emit in input order
	picked := make(map[int]bool, k)
	for j := len(in) - k; j < len(in); j++ {
		t := s.rng.Intn(j + 1)
		if picked[t] {
			t = j
		}
		picked[t] = true
	}
	out := make([]uint64, 0, k)
	for i := range in {
		if picked[i] {
			out = append(out, in[i])
		}
	}
	return out
}

// ModInverse32 returns the multiplicative inverse of a modulo 2^32.
// a must be odd.
func ModInverse32(a uint32) uint32 {
	// newton iteration doubles correct bits each round
	x := a
	for i := 0; i < 4; i++ {
		x *= 2 - a*x
	}
	return x
}
