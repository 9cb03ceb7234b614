package mdp

import (
	"fmt"
	"sync/atomic"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/trajectory"
)

// adapterHashCounter assigns each Adapter instance a unique, non-zero
// identity within the process. It starts at 1 so the zero value of a
// State's embedded StateHeader (adapterHash == 0) can never collide with a
// real adapter, making an untagged state detectable as a bug rather than a
// false-accepted identity 0.
var adapterHashCounter atomic.Uint64

func nextAdapterHash() uint64 {
	return adapterHashCounter.Add(1)
}

// Adapter is the uniform, type-erased wrapper around a concrete Model. It
// caches the Model's optional-capability dispatch once at construction
// (rather than re-asserting interfaces on every call), mirroring how the
// teacher's ai.Scorer wrappers resolve their backing implementation once at
// construction and then call through a fixed method value.
type Adapter struct {
	model Model
	hash  uint64
	info  StaticInfo

	registry *policy.Registry

	stateSerializer StateSerializer
	eventEnumerator EventEnumerator
	statsProvider   StatisticsProvider
	hiddenReset     HiddenStateResetter
	hpAdvisor       HyperparameterAdvisor
}

// NewAdapter wraps model, assigns it a fresh identity hash, and registers
// the built-in "random" policy plus any policies the model itself
// contributes via PolicyRegisterer.
func NewAdapter(model Model) *Adapter {
	a := &Adapter{
		model:    model,
		hash:     nextAdapterHash(),
		info:     model.StaticInfo(),
		registry: policy.NewRegistry(),
	}
	if se, ok := model.(StateSerializer); ok {
		a.stateSerializer = se
	}
	if ee, ok := model.(EventEnumerator); ok {
		a.eventEnumerator = ee
	}
	if sp, ok := model.(StatisticsProvider); ok {
		a.statsProvider = sp
	}
	if hr, ok := model.(HiddenStateResetter); ok {
		a.hiddenReset = hr
	}
	if hp, ok := model.(HyperparameterAdvisor); ok {
		a.hpAdvisor = hp
	}

	a.registry.Register("random", func(config.Params) (policy.Policy, error) {
		return policy.NewRandom(a.allowedActionsSlice), nil
	})
	if pr, ok := model.(PolicyRegisterer); ok {
		pr.RegisterPolicies(a.registry)
	}
	return a
}

// AdapterHash returns this adapter's process-unique identity.
func (a *Adapter) AdapterHash() uint64 { return a.hash }

// StaticInfo returns the MDP's published constants.
func (a *Adapter) StaticInfo() StaticInfo { return a.info }

// CheckIdentity verifies that s was produced by this adapter.
func (a *Adapter) CheckIdentity(s State) error {
	if s.AdapterHash() != a.hash {
		return &dclerr.IdentityError{Component: "mdp.Adapter", Want: a.hash, Got: s.AdapterHash()}
	}
	return nil
}

// tag stamps a freshly produced state with this adapter's identity, if the
// concrete type opted into the StateHeader convention.
func (a *Adapter) tag(s State) State {
	if hs, ok := s.(hashSetter); ok {
		hs.SetAdapterHash(a.hash)
	}
	return s
}

func (a *Adapter) allowedActionsSlice(s State) []int {
	actions := make([]int, 0, a.info.NumActions)
	for action := range a.model.AllowedActions(s) {
		actions = append(actions, action)
	}
	return actions
}

// InitiateState samples a fresh initial state for every trajectory from its
// own InitialStateStream, replacing whatever state (if any) it held.
func (a *Adapter) InitiateState(trajs []*trajectory.Trajectory) error {
	for _, t := range trajs {
		s := a.tag(a.model.GetInitialState(t.RNG.InitialStateStream()))
		t.Reset(s)
		t.SetCategory(a.model.GetStateCategory(s))
	}
	return nil
}

// InitiateStateFrom clones src into every trajectory, rather than sampling
// fresh ones. src must have been produced by this adapter.
func (a *Adapter) InitiateStateFrom(trajs []*trajectory.Trajectory, src State) error {
	if err := a.CheckIdentity(src); err != nil {
		return err
	}
	for _, t := range trajs {
		s := a.tag(src.Clone())
		t.Reset(s)
		t.SetCategory(a.model.GetStateCategory(s))
	}
	return nil
}

// IncorporateAction applies trajs[i].NextAction to every trajectory, all of
// which must currently be AwaitAction. Postcondition: no trajectory is left
// AwaitAction (invariant 3 of the state machine); violating it is a bug in
// the wrapped Model, reported as a ContractError rather than silently
// looping.
func (a *Adapter) IncorporateAction(trajs []*trajectory.Trajectory) error {
	for _, t := range trajs {
		if t.Category.Kind != trajectory.AwaitAction {
			return &dclerr.StateError{Component: "mdp.Adapter", Operation: "IncorporateAction", Got: t.Category.Kind.String(), Want: trajectory.AwaitAction.String()}
		}
		state := t.GetState()
		if !a.model.IsAllowedAction(state, t.NextAction) {
			return &dclerr.ContractError{Component: "mdp.Adapter", Capability: fmt.Sprintf("action %d allowed in current state", t.NextAction)}
		}
		reward := a.model.ModifyStateWithAction(state, t.NextAction)
		t.ApplyRewardDelta(reward)
		t.SetCategory(a.model.GetStateCategory(state))
		if t.Category.Kind == trajectory.AwaitAction {
			return &dclerr.ContractError{Component: "mdp.Adapter", Capability: "ModifyStateWithAction must not return to AwaitAction"}
		}
	}
	return nil
}

// IncorporateActionWithPolicy lets pol choose NextAction for every
// trajectory, then incorporates it.
func (a *Adapter) IncorporateActionWithPolicy(trajs []*trajectory.Trajectory, pol policy.Policy) error {
	if err := pol.SetAction(trajs); err != nil {
		return err
	}
	return a.IncorporateAction(trajs)
}

// IncorporateEvent samples and applies one stochastic event for every
// trajectory, all of which must currently be AwaitEvent.
func (a *Adapter) IncorporateEvent(trajs []*trajectory.Trajectory) error {
	for _, t := range trajs {
		if t.Category.Kind != trajectory.AwaitEvent {
			return &dclerr.StateError{Component: "mdp.Adapter", Operation: "IncorporateEvent", Got: t.Category.Kind.String(), Want: trajectory.AwaitEvent.String()}
		}
		state := t.GetState()
		stream := t.RNG.EventStream(t.Category.EventIndex)
		event := a.model.GetEvent(state, stream)
		reward := a.model.ModifyStateWithEvent(state, event)
		t.ApplyRewardDelta(reward)
		t.AdvanceEvent(a.info.DiscountFactor)
		t.SetCategory(a.model.GetStateCategory(state))
		if t.Category.Kind == trajectory.AwaitEvent {
			return &dclerr.ContractError{Component: "mdp.Adapter", Capability: "ModifyStateWithEvent must not return to AwaitEvent"}
		}
	}
	return nil
}

// IncorporateUntilAction drives every trajectory forward -- applying
// warmStart's action whenever one is needed along the way -- until each is
// AwaitAction, Final, or has incorporated maxPeriod events since its last
// Reset (maxPeriod <= 0 means no cap). It returns true iff every trajectory
// ended up AwaitAction.
func (a *Adapter) IncorporateUntilAction(trajs []*trajectory.Trajectory, warmStart policy.Policy, maxPeriod int) (bool, error) {
	return a.incorporateUntil(trajs, warmStart, maxPeriod, false)
}

// IncorporateUntilNonTrivialAction behaves like IncorporateUntilAction but
// additionally passes through any AwaitAction state that has at most one
// legal action -- there is no decision to train on, so the selector should
// never stop there.
func (a *Adapter) IncorporateUntilNonTrivialAction(trajs []*trajectory.Trajectory, warmStart policy.Policy, maxPeriod int) (bool, error) {
	return a.incorporateUntil(trajs, warmStart, maxPeriod, true)
}

func (a *Adapter) incorporateUntil(trajs []*trajectory.Trajectory, warmStart policy.Policy, maxPeriod int, skipTrivial bool) (bool, error) {
	for {
		var pendingAction, pendingEvent []*trajectory.Trajectory
		progressed := false
		for _, t := range trajs {
			switch t.Category.Kind {
			case trajectory.Final:
				// Nothing more to do for this trajectory.
			case trajectory.AwaitAction:
				if skipTrivial && len(a.allowedActionsSlice(t.GetState())) <= 1 {
					pendingAction = append(pendingAction, t)
					progressed = true
				}
				// Otherwise this trajectory has reached its stopping point.
			case trajectory.AwaitEvent:
				if maxPeriod > 0 && t.EventCount >= maxPeriod {
					// Budget exhausted; leave it AwaitEvent for the caller.
				} else {
					pendingEvent = append(pendingEvent, t)
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
		if len(pendingAction) > 0 {
			if err := a.IncorporateActionWithPolicy(pendingAction, warmStart); err != nil {
				return false, err
			}
		}
		if len(pendingEvent) > 0 {
			if err := a.IncorporateEvent(pendingEvent); err != nil {
				return false, err
			}
		}
	}

	allAwaitAction := true
	for _, t := range trajs {
		if t.Category.Kind != trajectory.AwaitAction {
			allAwaitAction = false
			break
		}
	}
	return allAwaitAction, nil
}

// AllowedActions returns the legal action indices for s.
func (a *Adapter) AllowedActions(s State) []int {
	return a.allowedActionsSlice(s)
}

// IsAllowedAction reports whether action is legal in state s.
func (a *Adapter) IsAllowedAction(s State, action int) bool {
	return a.model.IsAllowedAction(s, action)
}

// CategoryOf returns s's current category without mutating any trajectory.
// Used by components (e.g. the Action Selector's sub-rollouts) that need to
// categorize a bare, freshly cloned state before it is attached to a
// Trajectory.
func (a *Adapter) CategoryOf(s State) trajectory.StateCategory {
	return a.model.GetStateCategory(s)
}

// GetFlatFeaturesState writes s's feature vector into out, which must have
// length StaticInfo().NumFeatures.
func (a *Adapter) GetFlatFeaturesState(s State, out []float32) error {
	features := a.model.GetFeatures(s)
	if len(features) != len(out) {
		return &dclerr.ContractError{Component: "mdp.Adapter", Capability: fmt.Sprintf("GetFeatures returns %d values, want %d", len(features), len(out))}
	}
	copy(out, features)
	return nil
}

// GetFlatFeaturesTrajectories writes the feature vectors of every
// trajectory's current state into out, row-major, back to back. out must
// have length len(trajs)*StaticInfo().NumFeatures.
func (a *Adapter) GetFlatFeaturesTrajectories(trajs []*trajectory.Trajectory, out []float32) error {
	n := a.info.NumFeatures
	if len(out) != len(trajs)*n {
		return &dclerr.ContractError{Component: "mdp.Adapter", Capability: fmt.Sprintf("out buffer has length %d, want %d", len(out), len(trajs)*n)}
	}
	for i, t := range trajs {
		if err := a.GetFlatFeaturesState(t.GetState(), out[i*n:(i+1)*n]); err != nil {
			return err
		}
	}
	return nil
}

// GetMaskState writes s's legal-action mask into out, which must have
// length StaticInfo().NumActions.
func (a *Adapter) GetMaskState(s State, out []bool) error {
	if len(out) != a.info.NumActions {
		return &dclerr.ContractError{Component: "mdp.Adapter", Capability: fmt.Sprintf("out buffer has length %d, want %d", len(out), a.info.NumActions)}
	}
	for action := range out {
		out[action] = a.model.IsAllowedAction(s, action)
	}
	return nil
}

// GetMaskTrajectories writes the legal-action masks of every trajectory's
// current state into out, row-major. out must have length
// len(trajs)*StaticInfo().NumActions.
func (a *Adapter) GetMaskTrajectories(trajs []*trajectory.Trajectory, out []bool) error {
	n := a.info.NumActions
	if len(out) != len(trajs)*n {
		return &dclerr.ContractError{Component: "mdp.Adapter", Capability: fmt.Sprintf("out buffer has length %d, want %d", len(out), len(trajs)*n)}
	}
	for i, t := range trajs {
		if err := a.GetMaskState(t.GetState(), out[i*n:(i+1)*n]); err != nil {
			return err
		}
	}
	return nil
}

// GetAllEventTransitions returns the exact event distribution for s. It
// requires the wrapped Model to implement EventEnumerator.
func (a *Adapter) GetAllEventTransitions(s State) ([]EventTransition, error) {
	if a.eventEnumerator == nil {
		return nil, &dclerr.ContractError{Component: "mdp.Adapter", Capability: "EventEnumerator"}
	}
	return a.eventEnumerator.GetAllEventTransitions(s)
}

// SupportsEventEnumeration reports whether the wrapped Model can enumerate
// its exact event distribution.
func (a *Adapter) SupportsEventEnumeration() bool { return a.eventEnumerator != nil }

// SetArgMaxAction sets trajs[i].NextAction to the allowed action with the
// highest score in scores[i], breaking ties toward the lowest action index.
// scores must have one row per trajectory, each of length
// StaticInfo().NumActions.
func (a *Adapter) SetArgMaxAction(trajs []*trajectory.Trajectory, scores [][]float32) error {
	if len(scores) != len(trajs) {
		return &dclerr.ContractError{Component: "mdp.Adapter", Capability: fmt.Sprintf("scores has %d rows, want %d", len(scores), len(trajs))}
	}
	for i, t := range trajs {
		row := scores[i]
		best := -1
		var bestScore float32
		for action := 0; action < a.info.NumActions; action++ {
			if action >= len(row) || !a.model.IsAllowedAction(t.GetState(), action) {
				continue
			}
			if best == -1 || row[action] > bestScore {
				best = action
				bestScore = row[action]
			}
		}
		if best == -1 {
			return &dclerr.ContractError{Component: "mdp.Adapter", Capability: "at least one allowed action with a finite score"}
		}
		t.NextAction = best
	}
	return nil
}

// GetPolicy builds the registered policy named id with empty configuration.
func (a *Adapter) GetPolicy(id string) (policy.Policy, error) {
	return a.GetPolicyFromConfig(config.Params{"policy": id})
}

// GetPolicyFromConfig builds the policy named by cfg's "policy" key, passing
// the remainder of cfg to its factory.
func (a *Adapter) GetPolicyFromConfig(cfg config.Params) (policy.Policy, error) {
	id, err := config.PopParamOr(cfg, "policy", "")
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, &dclerr.ConfigError{Component: "mdp.Adapter", Key: "policy", Reason: "must name a registered policy"}
	}
	p, ok, err := a.registry.Build(id, cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &dclerr.ConfigError{Component: "mdp.Adapter", Key: "policy", Reason: fmt.Sprintf("%q is not registered; known policies: %v", id, a.registry.IDs())}
	}
	return p, nil
}

// PolicyIDs returns the identifiers of every registered policy, including
// the built-in "random".
func (a *Adapter) PolicyIDs() []string { return a.registry.IDs() }

// LoadState reconstructs a State from cfg. It requires the wrapped Model to
// implement StateSerializer.
func (a *Adapter) LoadState(cfg config.Params) (State, error) {
	if a.stateSerializer == nil {
		return nil, &dclerr.ContractError{Component: "mdp.Adapter", Capability: "StateSerializer"}
	}
	s, err := a.stateSerializer.GetState(cfg)
	if err != nil {
		return nil, err
	}
	return a.tag(s), nil
}

// UsefulStatistics returns the Model's user-defined per-state statistics,
// or nil if it does not implement StatisticsProvider.
func (a *Adapter) UsefulStatistics(s State) []float64 {
	if a.statsProvider == nil {
		return nil
	}
	return a.statsProvider.ReturnUsefulStatistics(s)
}

// ResetHiddenStateVariables resets any Model-internal accounting outside of
// CumulativeReturn, a no-op if the Model does not implement
// HiddenStateResetter.
func (a *Adapter) ResetHiddenStateVariables(s State) {
	if a.hiddenReset != nil {
		a.hiddenReset.ResetHiddenStateVariables(s)
	}
}

// AdvisedL returns the Model's advice for L, the number of warm-up events a
// freshly reset driving trajectory runs before its decisions are sampled,
// or fallback if the Model does not implement HyperparameterAdvisor.
func (a *Adapter) AdvisedL(s State, fallback int) int {
	if a.hpAdvisor == nil {
		return fallback
	}
	return a.hpAdvisor.GetL(s)
}

// AdvisedH returns the Model's advice for the rollout horizon H.
func (a *Adapter) AdvisedH(s State, fallback int) int {
	if a.hpAdvisor == nil {
		return fallback
	}
	return a.hpAdvisor.GetH(s)
}

// AdvisedM returns the Model's advice for the per-decision rollout budget M,
// which the selectors divide among the candidate actions.
func (a *Adapter) AdvisedM(s State, fallback int) int {
	if a.hpAdvisor == nil {
		return fallback
	}
	return a.hpAdvisor.GetM(s)
}

// AdvisedReinitiateCounter returns the Model's advice for how many events a
// driving trajectory advances before it is reset to a fresh initial state.
func (a *Adapter) AdvisedReinitiateCounter(s State, fallback int) int {
	if a.hpAdvisor == nil {
		return fallback
	}
	return a.hpAdvisor.GetReinitiateCounter(s)
}
