// Package exactsolver implements the Exact Solver: breadth-first enumeration
// of an MDP's full action-state space followed by hybrid policy/value
// iteration, for MDPs small enough to enumerate exactly and that publish
// their event distribution (mdp.EventEnumerator). Its output is both a gain
// estimate and a policy.Policy backed by the resulting lookup table,
// grounded on the teacher pack's original exactsolver.cpp.
package exactsolver

import (
	"context"
	"math"

	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/trajectory"
)

// selfTransitionProb is the artificial self-transition probability mixed
// into every state's value update for undiscounted infinite-horizon MDPs,
// breaking the periodicity that otherwise keeps plain value iteration from
// converging in that case (it has no effect on the discounted or
// finite-horizon cases).
const selfTransitionProb = 0.02

// convergenceThreshold bounds the max-change-per-state value iteration
// must fall below before the solver accepts the current value function.
const convergenceThreshold = 1e-4

// Config holds the solver's tunables.
type Config struct {
	// MaxStates bounds the number of distinct action-states the solver will
	// enumerate before giving up with a dclerr.ResourceError. Zero means no
	// bound.
	MaxStates int
	// Silent suppresses the solver's progress logging.
	Silent bool
}

// ConfigFromParams reads Config fields out of params.
func ConfigFromParams(params config.Params) (Config, error) {
	var c Config
	var err error
	if c.MaxStates, err = config.PopParamOr(params, "max_states", 1<<20); err != nil {
		return c, err
	}
	if c.Silent, err = config.PopParamOr(params, "silent", false); err != nil {
		return c, err
	}
	return c, nil
}

// transition is one outgoing edge of an action-state, after the state's
// current action and any intervening events have resolved down to the next
// action-state (or an absorbing terminal, which carries no transition).
type transition struct {
	probability float64
	targetIndex int
}

// stateEntry is one enumerated action-state: its State value, the action
// currently assigned to it, its Bellman value, and its resolved outgoing
// transitions.
type stateEntry struct {
	state State

	currentAction int

	value    float64
	newValue float64

	// costsUntilTransition is the discounted expected reward earned between
	// this action-state and whichever action-state each transition lands
	// on: the action's own reward plus the discounted expectation of
	// reward from any events incorporated along the way.
	costsUntilTransition float64
	transitions          []transition
}

// State is a local alias kept for readability inside this package.
type State = trajectory.State

// Solver enumerates and solves one MDP instance exactly.
type Solver struct {
	adapter *mdp.Adapter
	cfg     Config

	statemap map[uint64][]int
	states   []*stateEntry

	initialState   State
	hashCollisions int
	currentCost    float64
}

// New builds a Solver for adapter. adapter's wrapped Model must implement
// mdp.EventEnumerator; Solve reports a dclerr.ContractError otherwise.
func New(adapter *mdp.Adapter, cfg Config) *Solver {
	return &Solver{adapter: adapter, cfg: cfg}
}

// Solution is the result of solving an MDP exactly.
type Solution struct {
	// NumStates is the number of distinct action-states enumerated.
	NumStates int
	// HashCollisions counts feature-hash collisions observed during
	// enumeration (same hash, different state), reported so a caller can
	// judge whether the feature vector is distinguishing enough.
	HashCollisions int
	// Gain is the converged average return: for undiscounted infinite
	// horizon, the average return per period; otherwise, the total
	// expected discounted return from the initial state.
	Gain float64
	// Policy looks up the converged optimal action for any state the
	// solver enumerated.
	Policy policy.Policy
}

// Solve enumerates adapter's full action-state space and runs hybrid
// policy/value iteration to convergence.
func (s *Solver) Solve(ctx context.Context) (*Solution, error) {
	if !s.adapter.SupportsEventEnumeration() {
		return nil, &dclerr.ContractError{Component: "exactsolver", Capability: "EventEnumerator"}
	}

	if err := s.createStateMap(ctx); err != nil {
		return nil, err
	}
	if err := s.setActions(nil); err != nil {
		return nil, err
	}
	if err := s.determineTransitions(); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for i := 0; i < 10; i++ {
			s.iterateValues()
		}
		if err := s.updateActionsForValues(); err != nil {
			return nil, err
		}
		if err := s.determineTransitions(); err != nil {
			return nil, err
		}
		s.iterateValues()

		maxChange := s.checkConvergence()
		if !s.cfg.Silent {
			klog.V(1).InfoS("exact solver iterating", "gain", s.currentCost, "max_change", maxChange)
		}
		if maxChange <= convergenceThreshold {
			break
		}
	}

	return &Solution{
		NumStates:      len(s.states),
		HashCollisions: s.hashCollisions,
		Gain:           s.currentCost,
		Policy:         &exactPolicy{solver: s},
	}, nil
}

// hashState computes the feature-hash of state and returns its feature
// vector alongside it (the caller typically needs both: the hash to find
// the bucket, the features to disambiguate a collision).
func (s *Solver) hashState(state State) (uint64, []float32, error) {
	info := s.adapter.StaticInfo()
	feats := make([]float32, info.NumFeatures)
	if err := s.adapter.GetFlatFeaturesState(state, feats); err != nil {
		return 0, nil, err
	}
	return hashFeatures(feats), feats, nil
}

// hashFeatures combines a feature vector into one hash using the
// boost::hash_combine recurrence, treating each float32's bit pattern as
// the per-element hash.
func hashFeatures(feats []float32) uint64 {
	var h uint64
	for _, f := range feats {
		h ^= uint64(math.Float32bits(f)) + 0x9e3779b9 + (h << 6) + (h >> 2)
	}
	return h
}

func featuresEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Solver) featuresOf(state State) ([]float32, error) {
	info := s.adapter.StaticInfo()
	feats := make([]float32, info.NumFeatures)
	if err := s.adapter.GetFlatFeaturesState(state, feats); err != nil {
		return nil, err
	}
	return feats, nil
}

// indexOf finds the already-enumerated action-state matching state's
// features, disambiguating hash collisions by full feature comparison.
func (s *Solver) indexOf(state State) (int, error) {
	hash, feats, err := s.hashState(state)
	if err != nil {
		return 0, err
	}
	for _, idx := range s.statemap[hash] {
		existing, err := s.featuresOf(s.states[idx].state)
		if err != nil {
			return 0, err
		}
		if featuresEqual(feats, existing) {
			return idx, nil
		}
	}
	return 0, &dclerr.ContractError{Component: "exactsolver", Capability: "reachable state was enumerated by CreateStateMap"}
}

// addState registers state as a newly discovered action-state unless an
// equal one (by feature comparison) is already known.
func (s *Solver) addState(state State) error {
	hash, feats, err := s.hashState(state)
	if err != nil {
		return err
	}
	bucket := s.statemap[hash]
	for _, idx := range bucket {
		existing, err := s.featuresOf(s.states[idx].state)
		if err != nil {
			return err
		}
		if featuresEqual(feats, existing) {
			return nil
		}
	}
	if len(bucket) > 0 {
		s.hashCollisions++
	}
	if s.cfg.MaxStates > 0 && len(s.states) >= s.cfg.MaxStates {
		return &dclerr.ResourceError{Component: "exactsolver", Bound: s.cfg.MaxStates, Reason: "number of distinct action-states exceeds max_states; this MDP is too large to solve exactly"}
	}
	s.states = append(s.states, &stateEntry{state: state})
	s.statemap[hash] = append(s.statemap[hash], len(s.states)-1)
	return nil
}

// processState registers an AwaitAction state, ignores a terminal state
// (it contributes no further value), and resolves an AwaitEvent state by
// exactly one event step: every outcome of GetAllEventTransitions must be
// an AwaitAction or terminal state, and an outcome that is itself
// AwaitEvent is rejected with a ContractError. depth bounds the recursion.
func (s *Solver) processState(state State, depth int) error {
	category := s.adapter.CategoryOf(state)
	switch category.Kind {
	case trajectory.AwaitAction:
		return s.addState(state)
	case trajectory.Final:
		return nil
	case trajectory.AwaitEvent:
		if depth > 6 {
			return &dclerr.ContractError{Component: "exactsolver", Capability: "events resolve to an action within a bounded number of steps; insert an intervening trivial action if the MDP genuinely chains more than 6"}
		}
		transitions, err := s.adapter.GetAllEventTransitions(state)
		if err != nil {
			return err
		}
		for _, tr := range transitions {
			if s.adapter.CategoryOf(tr.NextState).Kind == trajectory.AwaitEvent {
				return &dclerr.ContractError{Component: "exactsolver", Capability: "GetAllEventTransitions must not itself land on another AwaitEvent state"}
			}
			if err := s.processState(tr.NextState, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// expandActionState incorporates every legal action from s.states[idx] and
// processes the state each one lands on, discovering any new action-states
// reachable from it.
func (s *Solver) expandActionState(idx int) error {
	entry := s.states[idx]
	info := s.adapter.StaticInfo()
	for _, action := range s.adapter.AllowedActions(entry.state) {
		traj := trajectory.New(info.NumEventStreams, 0)
		if err := s.adapter.InitiateStateFrom([]*trajectory.Trajectory{traj}, entry.state); err != nil {
			return err
		}
		traj.NextAction = action
		if err := s.adapter.IncorporateAction([]*trajectory.Trajectory{traj}); err != nil {
			return err
		}
		if traj.Category.Kind == trajectory.AwaitAction {
			return &dclerr.ContractError{Component: "exactsolver", Capability: "an action must not transition directly back to AwaitAction"}
		}
		if err := s.processState(traj.GetState(), 0); err != nil {
			return err
		}
	}
	return nil
}

// createStateMap performs the breadth-first enumeration: a fixed initial
// state, then repeated expansion of every action-state discovered so far
// until none remain unexpanded.
func (s *Solver) createStateMap(ctx context.Context) error {
	s.statemap = make(map[uint64][]int)
	s.states = nil
	s.hashCollisions = 0

	info := s.adapter.StaticInfo()
	probe := trajectory.New(info.NumEventStreams, 0)
	probe.RNG.Seed(rng.System{}, true, 0, 0, 0)
	if err := s.adapter.InitiateState([]*trajectory.Trajectory{probe}); err != nil {
		return err
	}
	s.initialState = probe.GetState()
	if err := s.processState(s.initialState, 0); err != nil {
		return err
	}

	for i := 0; i < len(s.states); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.expandActionState(i); err != nil {
			return err
		}
	}

	if !s.cfg.Silent {
		klog.InfoS("exact solver enumerated state space", "states", len(s.states), "hash_collisions", s.hashCollisions)
		if len(s.states) > 0 && float64(s.hashCollisions) > 0.05*float64(len(s.states)) {
			klog.Warningf("exactsolver: hash collision rate %d/%d exceeds 5%%; GetFeatures may not distinguish states well enough", s.hashCollisions, len(s.states))
		}
	}
	return nil
}

// setActions assigns each action-state's currentAction. With pol == nil it
// picks the first legal action -- any legal starting point is equally valid
// since value iteration converges regardless of the initial policy -- with
// a concrete pol it defers to that policy's own choice. Solve always calls
// it with nil.
func (s *Solver) setActions(pol policy.Policy) error {
	info := s.adapter.StaticInfo()
	for _, entry := range s.states {
		if pol == nil {
			actions := s.adapter.AllowedActions(entry.state)
			if len(actions) == 0 {
				return &dclerr.ContractError{Component: "exactsolver", Capability: "non-empty AllowedActions for every enumerated action-state"}
			}
			entry.currentAction = actions[0]
			continue
		}
		traj := trajectory.New(info.NumEventStreams, 0)
		if err := s.adapter.InitiateStateFrom([]*trajectory.Trajectory{traj}, entry.state); err != nil {
			return err
		}
		if err := pol.SetAction([]*trajectory.Trajectory{traj}); err != nil {
			return err
		}
		entry.currentAction = traj.NextAction
	}
	return nil
}

// determineTransitions resolves, for every action-state's currentAction,
// the discounted expected reward earned before the next action-state and
// the list of action-states it may land on.
func (s *Solver) determineTransitions() error {
	info := s.adapter.StaticInfo()
	for _, entry := range s.states {
		traj := trajectory.New(info.NumEventStreams, 0)
		if err := s.adapter.InitiateStateFrom([]*trajectory.Trajectory{traj}, entry.state); err != nil {
			return err
		}
		traj.NextAction = entry.currentAction
		if err := s.adapter.IncorporateAction([]*trajectory.Trajectory{traj}); err != nil {
			return err
		}

		if traj.Category.Kind == trajectory.AwaitAction {
			return &dclerr.ContractError{Component: "exactsolver", Capability: "an action must not transition directly back to AwaitAction"}
		}
		if traj.Category.Kind != trajectory.AwaitEvent {
			// Terminal: absorbing, no further transitions; its own reward
			// is the whole of its contribution.
			entry.transitions = nil
			entry.costsUntilTransition = traj.CumulativeReturn
			continue
		}

		eventTransitions, err := s.adapter.GetAllEventTransitions(traj.GetState())
		if err != nil {
			return err
		}
		entry.transitions = entry.transitions[:0]
		expectedReward := 0.0
		for _, et := range eventTransitions {
			expectedReward += et.Probability * et.Reward
			if s.adapter.CategoryOf(et.NextState).Kind != trajectory.AwaitAction {
				// Outcome leads straight to a terminal: it contributes its
				// share of reward but no further value to propagate.
				continue
			}
			idx, err := s.indexOf(et.NextState)
			if err != nil {
				return err
			}
			entry.transitions = append(entry.transitions, transition{probability: et.Probability, targetIndex: idx})
		}
		entry.costsUntilTransition = info.DiscountFactor*expectedReward + traj.CumulativeReturn
	}
	return nil
}

// iterateValues performs one Bellman backup across every action-state,
// applying the self-transition correction for undiscounted infinite
// horizon MDPs.
func (s *Solver) iterateValues() {
	info := s.adapter.StaticInfo()
	for _, entry := range s.states {
		entry.value = entry.newValue
	}
	for _, entry := range s.states {
		nv := 0.0
		for _, tr := range entry.transitions {
			nv += tr.probability * s.states[tr.targetIndex].value
		}
		nv = info.DiscountFactor*nv + entry.costsUntilTransition
		entry.newValue = nv
	}

	if info.Horizon == mdp.InfiniteHorizon && info.DiscountFactor >= 1 {
		for _, entry := range s.states {
			entry.newValue = entry.newValue*(1-selfTransitionProb) + selfTransitionProb*entry.value
		}
	}
}

// checkConvergence computes the spread of value changes across every
// state and returns the max change remaining -- the loop's stopping
// criterion. For undiscounted infinite-horizon models it also
// drift-corrects the value function by shifting it so its minimum is zero
// (an arbitrary value function offset is otherwise free to drift without
// bound under undiscounted dynamics); other models keep their absolute
// values, so Gain can be read off the initial state.
func (s *Solver) checkConvergence() float64 {
	deltaMax := math.Inf(-1)
	deltaMin := math.Inf(1)
	lowest := math.Inf(1)
	for _, entry := range s.states {
		delta := entry.newValue - entry.value
		if delta > deltaMax {
			deltaMax = delta
		}
		if delta < deltaMin {
			deltaMin = delta
		}
		if entry.newValue < lowest {
			lowest = entry.newValue
		}
	}
	info := s.adapter.StaticInfo()
	if info.Horizon == mdp.InfiniteHorizon && info.DiscountFactor >= 1 {
		for _, entry := range s.states {
			entry.newValue -= lowest
			entry.value -= lowest
		}
		s.currentCost = (deltaMax + deltaMin) / 2 / (1 - selfTransitionProb)
		return (deltaMax - deltaMin) / 2 / (1 - selfTransitionProb)
	}

	if idx, err := s.indexOf(s.initialState); err == nil {
		s.currentCost = s.states[idx].newValue
	}
	return math.Max(deltaMax, -deltaMin)
}

// updateActionsForValues performs one greedy policy-improvement pass:
// every action-state re-evaluates each of its legal actions against the
// current value function and keeps the one with the highest total return.
func (s *Solver) updateActionsForValues() error {
	info := s.adapter.StaticInfo()
	for _, entry := range s.states {
		bestReturn := math.Inf(-1)
		bestAction := -1
		for _, action := range s.adapter.AllowedActions(entry.state) {
			traj := trajectory.New(info.NumEventStreams, 0)
			if err := s.adapter.InitiateStateFrom([]*trajectory.Trajectory{traj}, entry.state); err != nil {
				return err
			}
			traj.NextAction = action
			if err := s.adapter.IncorporateAction([]*trajectory.Trajectory{traj}); err != nil {
				return err
			}

			var candidateReturn float64
			if traj.Category.Kind != trajectory.AwaitEvent {
				candidateReturn = traj.CumulativeReturn
			} else {
				eventTransitions, err := s.adapter.GetAllEventTransitions(traj.GetState())
				if err != nil {
					return err
				}
				directReturn := 0.0
				expectedFuture := 0.0
				for _, et := range eventTransitions {
					directReturn += et.Probability * et.Reward
					if s.adapter.CategoryOf(et.NextState).Kind == trajectory.AwaitAction {
						idx, err := s.indexOf(et.NextState)
						if err != nil {
							return err
						}
						expectedFuture += et.Probability * s.states[idx].value
					}
				}
				candidateReturn = traj.CumulativeReturn + info.DiscountFactor*(expectedFuture+directReturn)
			}

			if candidateReturn > bestReturn {
				bestReturn = candidateReturn
				bestAction = action
			}
		}
		if bestAction == -1 {
			return &dclerr.ContractError{Component: "exactsolver", Capability: "at least one legal action for every enumerated action-state"}
		}
		entry.currentAction = bestAction
	}
	return nil
}
