// Package policy defines the Policy capability set -- anything able to
// choose actions for a batch of trajectories or propose promising actions
// for a single state -- and a per-adapter Registry that concrete MDPs
// contribute rule-based policies to.
package policy

import (
	"slices"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/internal/generics"
	"github.com/dynaplexgo/dcl/trajectory"
)

// Policy is polymorphic over SetAction and GetPromisingActions. Variants
// include rule-based policies contributed by the concrete MDP, the
// neural-network-backed wrapper (package nnpolicy), the exact-solver-backed
// policy (package exactsolver), and a random policy (NewRandom, in random.go).
//
// Implementations must be safe to share across goroutines: SetAction may be
// called concurrently from independent trajectory batches. A Policy that
// wraps mutable state (e.g. a learning scoring function) is responsible for
// its own internal synchronization between scoring and learning.
type Policy interface {
	// TypeIdentifier names the policy variant, e.g. "base-stock",
	// "nn", "exact", "random".
	TypeIdentifier() string

	// GetConfig returns the configuration this policy was built from, so
	// it can be reported or persisted alongside a trained network.
	GetConfig() config.Params

	// SetAction chooses trajs[i].NextAction for every trajectory whose
	// Category is AwaitAction. It is an error (dclerr.StateError) to pass
	// a trajectory in any other category.
	SetAction(trajs []*trajectory.Trajectory) error

	// GetPromisingActions returns at most k action indices for state s,
	// ordered by decreasing preference. Used by action selectors to prune
	// the candidate set (SimulateOnlyPromisingActions).
	GetPromisingActions(s trajectory.State, k int) ([]int, error)
}

// Factory builds a Policy from configuration parameters. Concrete MDPs
// register factories for their own rule-based policies via Registry.Register,
// mirroring players.RegisteredScorers/RegisteredSearchers in the teacher
// repository's factory-by-registration pattern, generalized to one registry
// instance per MDP Adapter rather than one process-wide registry, since this
// engine may host several MDP plug-ins side by side.
type Factory func(params config.Params) (Policy, error)

// Registry holds the rule-based policy factories a single MDP Adapter
// instance makes available, keyed by identifier (e.g. "base-stock").
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a Factory under the given id. A later Register call with
// the same id replaces the earlier one, mirroring typical "last registration
// wins" plugin registries.
func (r *Registry) Register(id string, factory Factory) {
	r.factories[id] = factory
}

// Build resolves id against the registry and invokes its Factory with
// params. Returns false if id is not registered.
func (r *Registry) Build(id string, params config.Params) (Policy, bool, error) {
	factory, ok := r.factories[id]
	if !ok {
		return nil, false, nil
	}
	p, err := factory(params)
	return p, true, err
}

// IDs returns the registered policy identifiers in sorted order, so error
// messages and logs that list them are stable across runs despite Go's
// randomized map iteration.
func (r *Registry) IDs() []string {
	return slices.Collect(generics.SortedKeys(r.factories))
}
