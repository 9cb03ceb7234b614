package rng_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynaplexgo/dcl/rng"
)

func TestDeriveSeed_IsDeterministicForSameInputs(t *testing.T) {
	s1a, s2a := rng.DeriveSeed("event", 1, 2, 3)
	s1b, s2b := rng.DeriveSeed("event", 1, 2, 3)
	require.Equal(t, s1a, s1b)
	require.Equal(t, s2a, s2b)
}

func TestDeriveSeed_DiffersAcrossRoleOrParts(t *testing.T) {
	base1, base2 := rng.DeriveSeed("event", 1, 2)
	other1, other2 := rng.DeriveSeed("policy", 1, 2)
	require.False(t, base1 == other1 && base2 == other2)

	differentParts1, differentParts2 := rng.DeriveSeed("event", 1, 3)
	require.False(t, base1 == differentParts1 && base2 == differentParts2)
}

func TestDeriveSeed_DoesNotCollideAcrossPartBoundaries(t *testing.T) {
	// "ab","c" and "a","bc" should not collide thanks to the zero-byte
	// separator written between role and parts.
	s1a, s2a := rng.DeriveSeed("ab", 99)
	s1b, s2b := rng.DeriveSeed("a", 98, 99)
	require.False(t, s1a == s1b && s2a == s2b)
}

func TestNew_ProducesDeterministicRand(t *testing.T) {
	r1 := rng.New("event", 1, 2)
	r2 := rng.New("event", 1, 2)
	require.Equal(t, r1.Uint64(), r2.Uint64())
}

func TestProvider_SeedIsDeterministicAcrossInstances(t *testing.T) {
	pA := rng.NewProvider(2)
	pA.Seed(rng.System{GlobalSeed: 42}, false, 0, 3, 7)
	pB := rng.NewProvider(2)
	pB.Seed(rng.System{GlobalSeed: 42}, false, 0, 3, 7)

	require.Equal(t, pA.EventStream(0).Uint64(), pB.EventStream(0).Uint64())
	require.Equal(t, pA.EventStream(1).Uint64(), pB.EventStream(1).Uint64())
	require.Equal(t, pA.PolicyStream().Uint64(), pB.PolicyStream().Uint64())
	require.Equal(t, pA.SelectorStream().Uint64(), pB.SelectorStream().Uint64())
	require.Equal(t, pA.InitialStateStream().Uint64(), pB.InitialStateStream().Uint64())
}

func TestProvider_EventStreamsAreIndependent(t *testing.T) {
	p := rng.NewProvider(2)
	p.Seed(rng.System{GlobalSeed: 1}, false, 0, 0, 0)
	require.NotEqual(t, p.EventStream(0).Uint64(), p.EventStream(1).Uint64())
}

func TestProvider_EvalFlagExcludesThreadNumberFromDerivation(t *testing.T) {
	pThread1 := rng.NewProvider(1)
	pThread1.Seed(rng.System{GlobalSeed: 5}, true, 2, 1, 9)
	pThread2 := rng.NewProvider(1)
	pThread2.Seed(rng.System{GlobalSeed: 5}, true, 2, 99, 9)

	require.Equal(t, pThread1.EventStream(0).Uint64(), pThread2.EventStream(0).Uint64())
}

func TestProvider_NonEvalFlagIncludesThreadNumberInDerivation(t *testing.T) {
	pThread1 := rng.NewProvider(1)
	pThread1.Seed(rng.System{GlobalSeed: 5}, false, 2, 1, 9)
	pThread2 := rng.NewProvider(1)
	pThread2.Seed(rng.System{GlobalSeed: 5}, false, 2, 99, 9)

	require.NotEqual(t, pThread1.EventStream(0).Uint64(), pThread2.EventStream(0).Uint64())
}

func TestProvider_NumEventStreams(t *testing.T) {
	p := rng.NewProvider(4)
	require.Equal(t, 4, p.NumEventStreams())
}
