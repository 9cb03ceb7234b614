package exactsolver_test

import (
	"context"
	"iter"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynaplexgo/dcl/exactsolver"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/trajectory"
)

// loopState/loopModel is a single-state average-cost MDP: every period the
// policy picks one of two actions, earning that action's own index as
// reward, then deterministically loops back to the same AwaitAction state.
// The optimal policy always picks the higher-reward action, making this a
// minimal but non-trivial fixture for the exact solver's enumeration and
// value iteration.
type loopState struct {
	mdp.StateHeader
	awaitingEvent bool
}

func (s *loopState) Clone() trajectory.State { cp := *s; return &cp }

type loopModel struct{}

func (m *loopModel) StaticInfo() mdp.StaticInfo {
	return mdp.StaticInfo{NumActions: 2, NumFeatures: 1, NumEventStreams: 1, DiscountFactor: 1, Horizon: mdp.InfiniteHorizon}
}

func (m *loopModel) GetStateCategory(s mdp.State) trajectory.StateCategory {
	if s.(*loopState).awaitingEvent {
		return trajectory.StateCategory{Kind: trajectory.AwaitEvent}
	}
	return trajectory.StateCategory{Kind: trajectory.AwaitAction}
}

func (m *loopModel) AllowedActions(s mdp.State) iter.Seq[int] {
	return func(yield func(int) bool) {
		if !yield(0) {
			return
		}
		yield(1)
	}
}

func (m *loopModel) IsAllowedAction(s mdp.State, action int) bool { return action == 0 || action == 1 }

func (m *loopModel) ModifyStateWithAction(s mdp.State, action int) float64 {
	s.(*loopState).awaitingEvent = true
	return float64(action)
}

func (m *loopModel) GetEvent(s mdp.State, r *rand.Rand) mdp.Event { return struct{}{} }

func (m *loopModel) ModifyStateWithEvent(s mdp.State, e mdp.Event) float64 {
	s.(*loopState).awaitingEvent = false
	return 0
}

func (m *loopModel) GetFeatures(s mdp.State) []float32 { return []float32{0} }

func (m *loopModel) GetInitialState(r *rand.Rand) mdp.State { return &loopState{} }

// GetAllEventTransitions makes loopModel an mdp.EventEnumerator: the single
// outcome deterministically lands back on a fresh AwaitAction state.
func (m *loopModel) GetAllEventTransitions(s mdp.State) ([]mdp.EventTransition, error) {
	return []mdp.EventTransition{
		{Probability: 1, NextState: &loopState{}, Reward: 0},
	}, nil
}

func TestSolve_PicksHigherRewardActionAndConverges(t *testing.T) {
	adapter := mdp.NewAdapter(&loopModel{})
	solver := exactsolver.New(adapter, exactsolver.Config{Silent: true})

	solution, err := solver.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, solution.NumStates)
	require.InDelta(t, 1.0, solution.Gain, 1e-2)

	traj := trajectory.New(1, 0)
	require.NoError(t, adapter.InitiateState([]*trajectory.Trajectory{traj}))
	actions, err := solution.Policy.GetPromisingActions(traj.GetState(), 1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, actions)
}

func TestSolve_ReportsContractErrorWithoutEventEnumerator(t *testing.T) {
	adapter := mdp.NewAdapter(&noEnumerationModel{})
	solver := exactsolver.New(adapter, exactsolver.Config{Silent: true})
	_, err := solver.Solve(context.Background())
	require.Error(t, err)
}

// noEnumerationModel is a Model that never implements EventEnumerator.
type noEnumerationModel struct{}

func (m *noEnumerationModel) StaticInfo() mdp.StaticInfo {
	return mdp.StaticInfo{NumActions: 2, NumFeatures: 1, NumEventStreams: 1, DiscountFactor: 1, Horizon: mdp.InfiniteHorizon}
}
func (m *noEnumerationModel) GetStateCategory(s mdp.State) trajectory.StateCategory {
	if s.(*loopState).awaitingEvent {
		return trajectory.StateCategory{Kind: trajectory.AwaitEvent}
	}
	return trajectory.StateCategory{Kind: trajectory.AwaitAction}
}
func (m *noEnumerationModel) AllowedActions(s mdp.State) iter.Seq[int] {
	return func(yield func(int) bool) {
		if !yield(0) {
			return
		}
		yield(1)
	}
}
func (m *noEnumerationModel) IsAllowedAction(s mdp.State, action int) bool { return action == 0 || action == 1 }
func (m *noEnumerationModel) ModifyStateWithAction(s mdp.State, action int) float64 {
	s.(*loopState).awaitingEvent = true
	return float64(action)
}
func (m *noEnumerationModel) GetEvent(s mdp.State, r *rand.Rand) mdp.Event { return struct{}{} }
func (m *noEnumerationModel) ModifyStateWithEvent(s mdp.State, e mdp.Event) float64 {
	s.(*loopState).awaitingEvent = false
	return 0
}
func (m *noEnumerationModel) GetFeatures(s mdp.State) []float32      { return []float32{0} }
func (m *noEnumerationModel) GetInitialState(r *rand.Rand) mdp.State { return &loopState{} }

func TestPolicy_TypeIdentifier(t *testing.T) {
	adapter := mdp.NewAdapter(&loopModel{})
	solver := exactsolver.New(adapter, exactsolver.Config{Silent: true, MaxStates: 10})
	solution, err := solver.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "exact", solution.Policy.TypeIdentifier())
}
