// Package mdp implements the type-erased MDP Adapter: a uniform contract
// over any concrete MDP implementation (the "plug-in" satisfying the
// Model capability set below), batched over spans of trajectories so the
// adapter can amortize dispatch overhead.
package mdp

import (
	"iter"
	"math/rand/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/trajectory"
)

// State is the opaque per-trajectory state type. It is a straight alias for
// trajectory.State: both packages need the same type, but trajectory must
// not import mdp (that would cycle back through policy -> trajectory), so
// the canonical definition lives in trajectory and mdp re-exports it under
// the name most callers expect.
type State = trajectory.State

// HorizonKind distinguishes infinite-horizon from finite-horizon MDPs; it
// changes how the Policy Comparer and Action Selector interpret returns
// (discounted/average-cost vs. terminal accumulation).
type HorizonKind uint8

const (
	InfiniteHorizon HorizonKind = iota
	FiniteHorizon
)

func (h HorizonKind) String() string {
	if h == FiniteHorizon {
		return "finite"
	}
	return "infinite"
}

// StaticInfo holds the per-MDP constants published once at adapter
// construction.
type StaticInfo struct {
	NumActions  int
	NumFeatures int
	// NumEventStreams is how many independent event-stream indices this
	// MDP's StateCategory.EventIndex may take on. Most MDPs have exactly
	// one kind of stochastic event and publish 1; MDPs with several
	// independent sources of randomness (e.g. demand plus lead-time delay)
	// publish one stream per source so sampling one does not perturb the
	// other's sequence under common random numbers.
	NumEventStreams int
	DiscountFactor  float64
	Horizon         HorizonKind
}

// Event is a single opaque stochastic transition sampled from the MDP's
// event distribution. Its concrete type is defined by the MDP; the engine
// only ever passes it back to the same MDP's ModifyStateWithEvent.
type Event any

// EventTransition pairs a probability with the resulting next state and the
// reward earned under that specific outcome, for MDPs that publish their
// exact event distribution (used by the Exact Solver). Reward mirrors what
// ModifyStateWithEvent would have returned had this outcome been sampled.
type EventTransition struct {
	Probability float64
	NextState   State
	Reward      float64
}

// Model is the capability set a concrete MDP implementation must publish.
// It deliberately mirrors the spec's external-interface table method for
// method.
type Model interface {
	StaticInfo() StaticInfo
	GetStateCategory(s State) trajectory.StateCategory
	AllowedActions(s State) iter.Seq[int]
	IsAllowedAction(s State, action int) bool
	// ModifyStateWithAction mutates s in place and returns the reward
	// earned by taking action. The new category must not be AwaitAction.
	ModifyStateWithAction(s State, action int) (rewardDelta float64)
	GetEvent(s State, r *rand.Rand) Event
	// ModifyStateWithEvent mutates s in place and returns the reward
	// earned. The new category must not be AwaitEvent.
	ModifyStateWithEvent(s State, e Event) (rewardDelta float64)
	GetFeatures(s State) []float32
	GetInitialState(r *rand.Rand) State
}

// StateSerializer is an optional capability: round-trippable state
// serialization via a configuration-shaped representation.
type StateSerializer interface {
	GetState(cfg config.Params) (State, error)
}

// StateConfigurable is implemented by States themselves (not the Model) to
// support the reverse direction of StateSerializer's round trip.
type StateConfigurable interface {
	ToConfig() config.Params
}

// EventEnumerator is an optional capability: exact enumeration of event
// transitions and their probabilities, required by the Exact Solver.
type EventEnumerator interface {
	GetAllEventTransitions(s State) ([]EventTransition, error)
}

// PolicyRegisterer is an optional capability: the MDP contributes its own
// rule-based policies to the adapter's Registry at construction time.
type PolicyRegisterer interface {
	RegisterPolicies(r *policy.Registry)
}

// StatisticsProvider is an optional capability: user-defined per-state
// statistics collected by the Policy Comparer (e.g. fill rate, unavoidable
// cost).
type StatisticsProvider interface {
	ReturnUsefulStatistics(s State) []float64
}

// HiddenStateResetter is an optional capability: reset any accounting the
// MDP keeps outside of what feeds into CumulativeReturn (e.g. a running
// fill-rate counter) at the start of a measurement window.
type HiddenStateResetter interface {
	ResetHiddenStateVariables(s State)
}

// HyperparameterAdvisor is an optional capability: per-state advice on DCL
// hyperparameters. Per spec §9 Open Question 3, the DCL Loop only consults
// this once per generation, against the initial state -- not per visited
// state -- so advice need not vary within a generation.
type HyperparameterAdvisor interface {
	GetL(s State) int
	GetH(s State) int
	GetM(s State) int
	GetReinitiateCounter(s State) int
}

// StateHeader is an embeddable helper concrete State implementations use to
// satisfy AdapterHash/SetAdapterHash without hand-rolling the bookkeeping.
// Embed it by value; Clone implementations that shallow-copy the struct
// (the common case: "cp := *s; return &cp") carry the tag along for free.
type StateHeader struct {
	adapterHash uint64
}

// AdapterHash implements (part of) trajectory.State.
func (h *StateHeader) AdapterHash() uint64 { return h.adapterHash }

// SetAdapterHash is called by the owning Adapter whenever it hands out a
// state (GetInitialState, StateSerializer.GetState, and each clone made by
// InitiateStateFrom). Not part of
// the State interface; accessed via an internal type assertion.
func (h *StateHeader) SetAdapterHash(hash uint64) { h.adapterHash = hash }

type hashSetter interface {
	SetAdapterHash(uint64)
}
