// Package rng implements the engine's deterministic, reproducible random
// streams: a seed-tree where a child stream's seed is a pure function of
// (parent seed, role, index...), so independent goroutines reproduce
// identical sub-problems without any inter-thread coordination (see
// DeriveSeed).
package rng

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
)

// System identifies the run-wide master seed. It plays the role DynaPlex's
// "System" object plays for the original C++ engine: a single place the
// master seed is read from, so every RNG stream in a run traces back to one
// number.
type System struct {
	GlobalSeed int64
}

// DeriveSeed computes a pair of deterministic uint64 seeds for a
// math/rand/v2 PCG source from a role tag and an arbitrary number of integer
// "parts" identifying the position in the seed tree (parent seed, thread
// number, trajectory index, action index, sub-rollout index, ...).
//
// Two calls with identical (role, parts) always produce identical seeds,
// regardless of process, goroutine or call order -- this is what lets
// sub-rollouts of two different candidate actions reuse identical event
// sequences (common-random-numbers) without any shared state.
func DeriveSeed(role string, parts ...int64) (seed1, seed2 uint64) {
	h1 := fnv.New64a()
	h1.Write([]byte(role))
	h1.Write([]byte{0}) // separator, so "ab","c" and "a","bc" don't collide
	var buf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(buf[:], uint64(p))
		h1.Write(buf[:])
	}
	seed1 = h1.Sum64()

	// Second independent digest for the PCG's second seed half: reuse the
	// same inputs salted with a fixed tag so seed2 is still a pure function
	// of (role, parts), just a different one than seed1.
	h2 := fnv.New64a()
	h2.Write([]byte("salt2:"))
	h2.Write([]byte(role))
	h2.Write([]byte{0})
	for _, p := range parts {
		binary.LittleEndian.PutUint64(buf[:], uint64(p))
		h2.Write(buf[:])
	}
	seed2 = h2.Sum64()
	return
}

// New returns a *rand.Rand seeded deterministically from (role, parts...).
func New(role string, parts ...int64) *rand.Rand {
	s1, s2 := DeriveSeed(role, parts...)
	return rand.New(rand.NewPCG(s1, s2))
}

// Provider holds the N+3 independent streams owned by one Trajectory: one
// per event-stream index, plus one each for policy randomness, action-
// selector randomness, and initial-state draws.
type Provider struct {
	eventStreams []*rand.Rand
	policy       *rand.Rand
	selector     *rand.Rand
	initialState *rand.Rand
}

// NewProvider allocates a Provider with numEventStreams independent event
// streams. Streams are unseeded (nil-backed) until Seed is called.
func NewProvider(numEventStreams int) *Provider {
	return &Provider{
		eventStreams: make([]*rand.Rand, numEventStreams),
	}
}

// Seed (re-)seeds all streams owned by the provider deterministically from
// (evalFlag, system.GlobalSeed, experimentNumber, threadNumber, externalIndex).
//
// When evalFlag is true, threadNumber is deliberately excluded from the
// derivation: this is the common-random-numbers invariant that lets the
// Policy Comparer schedule the same trajectory index on any worker thread
// and still see identical event sequences, regardless of which policy is
// being evaluated or which thread happens to process it.
func (p *Provider) Seed(sys System, evalFlag bool, experimentNumber int64, threadNumber uint32, externalIndex int64) {
	parts := func(role string, streamIndex int64) []int64 {
		base := []int64{sys.GlobalSeed, experimentNumber, externalIndex, streamIndex}
		if !evalFlag {
			base = append(base, int64(threadNumber))
		}
		return base
	}
	for i := range p.eventStreams {
		s1, s2 := DeriveSeed("event", parts("event", int64(i))...)
		p.eventStreams[i] = rand.New(rand.NewPCG(s1, s2))
	}
	s1, s2 := DeriveSeed("policy", parts("policy", 0)...)
	p.policy = rand.New(rand.NewPCG(s1, s2))
	s1, s2 = DeriveSeed("selector", parts("selector", 0)...)
	p.selector = rand.New(rand.NewPCG(s1, s2))
	s1, s2 = DeriveSeed("initial", parts("initial", 0)...)
	p.initialState = rand.New(rand.NewPCG(s1, s2))
}

// EventStream returns the RNG stream dedicated to the given event-stream
// index (see mdp.StateCategory.EventIndex).
func (p *Provider) EventStream(index int) *rand.Rand {
	return p.eventStreams[index]
}

// PolicyStream returns the RNG stream reserved for policy randomness.
func (p *Provider) PolicyStream() *rand.Rand {
	return p.policy
}

// SelectorStream returns the RNG stream reserved for action-selector
// randomness.
func (p *Provider) SelectorStream() *rand.Rand {
	return p.selector
}

// InitialStateStream returns the RNG stream reserved for drawing initial
// states.
func (p *Provider) InitialStateStream() *rand.Rand {
	return p.initialState
}

// NumEventStreams returns the number of event streams the provider was
// constructed with.
func (p *Provider) NumEventStreams() int {
	return len(p.eventStreams)
}
