package selector_test

import (
	"iter"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/selector"
	"github.com/dynaplexgo/dcl/trajectory"
)

// rankedState/rankedModel is a one-step MDP whose reward is simply the
// chosen action's index: picking an action earns that many points, one
// event returns no further reward and brings the state back to
// AwaitAction, where a horizon of 1 stops the rollout. The
// highest-indexed action is deterministically the best, so both selector
// variants must always converge on it regardless of their rollout budget.
type rankedState struct {
	mdp.StateHeader
	awaitingEvent bool
}

func (s *rankedState) Clone() trajectory.State {
	cp := *s
	return &cp
}

type rankedModel struct {
	numActions int
}

func (m *rankedModel) StaticInfo() mdp.StaticInfo {
	return mdp.StaticInfo{NumActions: m.numActions, NumFeatures: 1, NumEventStreams: 1, DiscountFactor: 1, Horizon: mdp.FiniteHorizon}
}

func (m *rankedModel) GetStateCategory(s mdp.State) trajectory.StateCategory {
	rs := s.(*rankedState)
	if rs.awaitingEvent {
		return trajectory.StateCategory{Kind: trajectory.AwaitEvent}
	}
	return trajectory.StateCategory{Kind: trajectory.AwaitAction}
}

func (m *rankedModel) AllowedActions(s mdp.State) iter.Seq[int] {
	return func(yield func(int) bool) {
		for a := 0; a < m.numActions; a++ {
			if !yield(a) {
				return
			}
		}
	}
}

func (m *rankedModel) IsAllowedAction(s mdp.State, action int) bool {
	return action >= 0 && action < m.numActions
}

func (m *rankedModel) ModifyStateWithAction(s mdp.State, action int) float64 {
	s.(*rankedState).awaitingEvent = true
	return float64(action)
}

func (m *rankedModel) GetEvent(s mdp.State, r *rand.Rand) mdp.Event { return struct{}{} }

func (m *rankedModel) ModifyStateWithEvent(s mdp.State, e mdp.Event) float64 {
	rs := s.(*rankedState)
	rs.awaitingEvent = false
	// The state goes back to AwaitAction; the model has no Final state, so
	// the tests rely on a horizon of 1 to take only one step.
	return 0
}

func (m *rankedModel) GetFeatures(s mdp.State) []float32 { return []float32{0} }

func (m *rankedModel) GetInitialState(r *rand.Rand) mdp.State { return &rankedState{} }

func newRankedTrajectory(adapter *mdp.Adapter) *trajectory.Trajectory {
	tr := trajectory.New(adapter.StaticInfo().NumEventStreams, 0)
	tr.SeedRNG(rng.System{GlobalSeed: 5}, true, 0, 0)
	if err := adapter.InitiateState([]*trajectory.Trajectory{tr}); err != nil {
		panic(err)
	}
	return tr
}

func TestUniform_SetActionPicksHighestReward(t *testing.T) {
	adapter := mdp.NewAdapter(&rankedModel{numActions: 4})
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	sel := selector.NewUniform(adapter, warmStart, selector.Config{})

	tr := newRankedTrajectory(adapter)
	smpl, err := sel.SetAction(tr, 1, 0, 8, 1)
	require.NoError(t, err)
	require.Equal(t, 3, smpl.ChosenAction)
	require.Equal(t, 3, tr.NextAction)
}

func TestSequentialHalving_SetActionPicksHighestReward(t *testing.T) {
	adapter := mdp.NewAdapter(&rankedModel{numActions: 8})
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	sel := selector.NewSequentialHalving(adapter, warmStart, selector.Config{})

	tr := newRankedTrajectory(adapter)
	smpl, err := sel.SetAction(tr, 1, 0, 32, 1)
	require.NoError(t, err)
	require.Equal(t, 7, smpl.ChosenAction)
}

// soloState/soloModel has exactly one legal action, earning a fixed reward
// unrelated to M -- the only way a selector can report anything other than
// that single observed return is if it skips rollouts altogether (leaving
// the score at its zero default) or burns the whole budget re-confirming a
// choice that was never in question.
type soloState struct {
	mdp.StateHeader
	awaitingEvent bool
}

func (s *soloState) Clone() trajectory.State {
	cp := *s
	return &cp
}

type soloModel struct{}

func (m *soloModel) StaticInfo() mdp.StaticInfo {
	return mdp.StaticInfo{NumActions: 1, NumFeatures: 1, NumEventStreams: 1, DiscountFactor: 1, Horizon: mdp.FiniteHorizon}
}

func (m *soloModel) GetStateCategory(s mdp.State) trajectory.StateCategory {
	ss := s.(*soloState)
	if ss.awaitingEvent {
		return trajectory.StateCategory{Kind: trajectory.AwaitEvent}
	}
	return trajectory.StateCategory{Kind: trajectory.AwaitAction}
}

func (m *soloModel) AllowedActions(s mdp.State) iter.Seq[int] {
	return func(yield func(int) bool) { yield(0) }
}

func (m *soloModel) IsAllowedAction(s mdp.State, action int) bool { return action == 0 }

func (m *soloModel) ModifyStateWithAction(s mdp.State, action int) float64 {
	s.(*soloState).awaitingEvent = true
	return 5.0
}

func (m *soloModel) GetEvent(s mdp.State, r *rand.Rand) mdp.Event { return struct{}{} }

func (m *soloModel) ModifyStateWithEvent(s mdp.State, e mdp.Event) float64 {
	s.(*soloState).awaitingEvent = false
	return 0
}

func (m *soloModel) GetFeatures(s mdp.State) []float32 { return []float32{0} }

func (m *soloModel) GetInitialState(r *rand.Rand) mdp.State { return &soloState{} }

func newSoloTrajectory(adapter *mdp.Adapter) *trajectory.Trajectory {
	tr := trajectory.New(adapter.StaticInfo().NumEventStreams, 0)
	tr.SeedRNG(rng.System{GlobalSeed: 5}, true, 0, 0)
	if err := adapter.InitiateState([]*trajectory.Trajectory{tr}); err != nil {
		panic(err)
	}
	return tr
}

func TestUniform_SetActionWithSingleActionReturnsItsRawRollout(t *testing.T) {
	adapter := mdp.NewAdapter(&soloModel{})
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	sel := selector.NewUniform(adapter, warmStart, selector.Config{})

	for _, m := range []int{1, 8, 100} {
		tr := newSoloTrajectory(adapter)
		smpl, err := sel.SetAction(tr, 1, 0, m, 1)
		require.NoError(t, err)
		require.Equal(t, 0, smpl.ChosenAction)
		require.Equal(t, float32(5.0), smpl.ActionScores[0])
		require.True(t, smpl.Emit)
	}
}

func TestSequentialHalving_SetActionWithSingleActionReturnsItsRawRollout(t *testing.T) {
	adapter := mdp.NewAdapter(&soloModel{})
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	sel := selector.NewSequentialHalving(adapter, warmStart, selector.Config{})

	for _, m := range []int{1, 8, 100} {
		tr := newSoloTrajectory(adapter)
		smpl, err := sel.SetAction(tr, 1, 0, m, 1)
		require.NoError(t, err)
		require.Equal(t, 0, smpl.ChosenAction)
		require.Equal(t, float32(5.0), smpl.ActionScores[0])
		require.True(t, smpl.Emit)
	}
}

func TestSelector_SetActionRejectsNonAwaitActionTrajectory(t *testing.T) {
	adapter := mdp.NewAdapter(&rankedModel{numActions: 3})
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	sel := selector.NewUniform(adapter, warmStart, selector.Config{})

	tr := newRankedTrajectory(adapter)
	tr.SetCategory(trajectory.StateCategory{Kind: trajectory.AwaitEvent})
	_, err = sel.SetAction(tr, 1, 0, 8, 1)
	require.Error(t, err)
}

func TestSelector_ConfigFromParamsPromisingActions(t *testing.T) {
	cfg, err := selector.ConfigFromParams(map[string]string{
		"simulate_only_promising_actions": "true",
		"num_promising_actions":           "2",
	})
	require.NoError(t, err)
	require.True(t, cfg.SimulateOnlyPromisingActions)
	require.Equal(t, 2, cfg.NumPromisingActions)
}
