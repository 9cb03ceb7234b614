// Package dclerr defines the taxonomy of fatal errors produced by the DCL
// engine. All engine errors are terminal: there is no local recovery inside
// the engine, only reporting with enough context for the caller to diagnose
// the failure (component, offending argument, and violated bound, when
// applicable).
package dclerr

import "fmt"

// ConfigError reports a missing or malformed configuration key.
type ConfigError struct {
	Component string
	Key       string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: configuration key %q: %s", e.Component, e.Key, e.Reason)
}

// ContractError reports that an MDP lacks a capability required by the
// operation requested of it (e.g. flat features, event probabilities, an
// allowed-action predicate).
type ContractError struct {
	Component  string
	Capability string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: MDP does not publish required capability %q", e.Component, e.Capability)
}

// StateError reports an operation invoked on a trajectory in the wrong
// category (e.g. IncorporateAction on a trajectory awaiting an event).
type StateError struct {
	Component string
	Operation string
	Got       string
	Want      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s requires category %s, got %s", e.Component, e.Operation, e.Want, e.Got)
}

// IdentityError reports that a state or policy crossed between different
// MDP adapter instances.
type IdentityError struct {
	Component string
	Got, Want uint64
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("%s: state/policy belongs to adapter %d, expected %d; "+
		"policies can only act on states from the adapter instance they were built from", e.Component, e.Got, e.Want)
}

// ResourceError reports a violated resource bound (max_states exceeded, or
// network inference invoked without a runtime).
type ResourceError struct {
	Component string
	Bound     any
	Reason    string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: resource bound %v exceeded: %s", e.Component, e.Bound, e.Reason)
}

// NumericError reports non-convergence or another numerical failure, e.g.
// in the exact solver's value iteration.
type NumericError struct {
	Component string
	Reason    string
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("%s: numeric error: %s", e.Component, e.Reason)
}
