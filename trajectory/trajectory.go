// Package trajectory implements the mutable per-rollout context that the
// MDP Adapter, Action Selector, Sample Generator and Policy Comparer all
// operate on: current state, cumulative return, effective discount, event
// counter, per-trajectory RNG streams, and an external index for caller
// bookkeeping.
package trajectory

import (
	"github.com/gomlx/exceptions"

	"github.com/dynaplexgo/dcl/rng"
)

// CategoryKind labels whether a state expects an action, an event, or is
// terminal.
type CategoryKind uint8

const (
	// AwaitAction means the Policy must choose an action next.
	AwaitAction CategoryKind = iota
	// AwaitEvent means a stochastic event must be sampled next.
	AwaitEvent
	// Final means the trajectory has ended; no further mutation is legal.
	Final
)

func (k CategoryKind) String() string {
	switch k {
	case AwaitAction:
		return "AwaitAction"
	case AwaitEvent:
		return "AwaitEvent"
	case Final:
		return "Final"
	default:
		return "CategoryKind(?)"
	}
}

// StateCategory pairs a CategoryKind with the non-negative event-stream
// index to use, when Kind == AwaitEvent.
type StateCategory struct {
	Kind       CategoryKind
	EventIndex int
}

// State is the opaque, type-erased state owned by a Trajectory. Concrete
// MDP implementations provide their own type satisfying this interface;
// the engine never inspects its layout, only its identity (AdapterHash)
// and its ability to Clone itself for sub-rollouts.
type State interface {
	// AdapterHash identifies the MDP Adapter instance that produced this
	// state. Used to reject a Policy or operation crossing between two
	// different adapter instances (see dclerr.IdentityError).
	AdapterHash() uint64

	// Clone returns a deep copy, used whenever a rollout needs to branch
	// without mutating the original (e.g. Action Selector sub-rollouts).
	Clone() State
}

// Trajectory is a single rollout's mutable context. It is not safe for
// concurrent use from more than one goroutine at a time; callers that want
// parallelism run independent Trajectory values on independent goroutines.
type Trajectory struct {
	state State

	// CumulativeReturn accumulates reward*EffectiveDiscount at every
	// mutation (action or event) since the last Reset.
	CumulativeReturn float64

	// EffectiveDiscount is the product of per-event discount factors
	// applied since the last Reset. Starts at 1.
	EffectiveDiscount float64

	// EventCount counts events incorporated since the last Reset.
	EventCount int

	// NextAction is the action a Policy has selected but not yet
	// incorporated into the state.
	NextAction int

	// Category mirrors the current state's category; kept up to date by
	// the MDP Adapter on every mutation. Do not set directly except from
	// package mdp.
	Category StateCategory

	// ExternalIndex is an opaque label for caller bookkeeping (e.g. the
	// trajectory's slot in a Sample Generator worker's pool, or its index
	// in a Policy Comparer batch). It also seeds this trajectory's RNG
	// streams, so that trajectory k sees the same streams regardless of
	// which worker thread happens to drive it.
	ExternalIndex int64

	// RNG holds this trajectory's N+3 independent pseudo-random streams.
	RNG *rng.Provider
}

// New creates a Trajectory with numEventRNGs independent event streams and
// no initial state (GetState panics until Reset is called).
func New(numEventRNGs int, externalIndex int64) *Trajectory {
	return &Trajectory{
		ExternalIndex: externalIndex,
		RNG:           rng.NewProvider(numEventRNGs),
	}
}

// GetState returns the trajectory's current state. It panics if called
// before any Reset -- the one documented failure mode of Trajectory (see
// spec §4.A).
func (t *Trajectory) GetState() State {
	if t.state == nil {
		exceptions.Panicf("trajectory: GetState called before any Reset; trajectory has no state")
	}
	return t.state
}

// HasState reports whether Reset has moved in a state yet.
func (t *Trajectory) HasState() bool {
	return t.state != nil
}

// Reset moves in a new state and zeroes CumulativeReturn, EffectiveDiscount
// and EventCount. Category is left at its zero value; the MDP Adapter is
// responsible for setting it immediately after, since only the adapter's
// Model knows how to categorize a state.
func (t *Trajectory) Reset(state State) {
	t.state = state
	t.ResetCounters()
}

// ResetCounters zeroes CumulativeReturn, EffectiveDiscount and EventCount
// while preserving the current state.
func (t *Trajectory) ResetCounters() {
	t.CumulativeReturn = 0
	t.EffectiveDiscount = 1
	t.EventCount = 0
}

// SetCategory updates the trajectory's category. Called by package mdp
// after categorizing the trajectory's state.
func (t *Trajectory) SetCategory(c StateCategory) {
	t.Category = c
}

// ApplyRewardDelta accumulates reward*EffectiveDiscount into
// CumulativeReturn, implementing invariant 4 of the data model: every
// mutation (action or event) contributes its reward at the discount rate
// in effect at the time.
func (t *Trajectory) ApplyRewardDelta(reward float64) {
	t.CumulativeReturn += reward * t.EffectiveDiscount
}

// AdvanceEvent multiplies EffectiveDiscount by discountFactor and bumps
// EventCount. Called once per incorporated event.
func (t *Trajectory) AdvanceEvent(discountFactor float64) {
	t.EffectiveDiscount *= discountFactor
	t.EventCount++
}

// SeedRNG deterministically (re-)seeds all of the trajectory's owned RNG
// streams from (system, evalFlag, experimentNumber, threadNumber) and this
// trajectory's own ExternalIndex. See rng.Provider.Seed for the
// common-random-numbers invariant this establishes under evalFlag=true.
func (t *Trajectory) SeedRNG(sys rng.System, evalFlag bool, experimentNumber int64, threadNumber uint32) {
	t.RNG.Seed(sys, evalFlag, experimentNumber, threadNumber, t.ExternalIndex)
}

// IsTerminal reports whether the trajectory's category is Final.
func (t *Trajectory) IsTerminal() bool {
	return t.Category.Kind == Final
}
