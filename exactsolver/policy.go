package exactsolver

import (
	"strconv"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/trajectory"
)

// exactPolicy looks up the converged optimal action for a state in the
// Solver's lookup table. indexOf only reads statemap/states, both
// immutable once Solve returns, so lookups are safe to call concurrently
// from multiple goroutines without further locking.
type exactPolicy struct {
	solver *Solver
}

func (p *exactPolicy) TypeIdentifier() string { return "exact" }

func (p *exactPolicy) GetConfig() config.Params {
	return config.Params{"num_states": strconv.Itoa(len(p.solver.states))}
}

func (p *exactPolicy) SetAction(trajs []*trajectory.Trajectory) error {
	for _, t := range trajs {
		if t.Category.Kind != trajectory.AwaitAction {
			return &dclerr.StateError{Component: "exactsolver.exactPolicy", Operation: "SetAction", Got: t.Category.Kind.String(), Want: trajectory.AwaitAction.String()}
		}
		idx, err := p.solver.indexOf(t.GetState())
		if err != nil {
			return err
		}
		t.NextAction = p.solver.states[idx].currentAction
	}
	return nil
}

// GetPromisingActions returns the single optimal action the solver found
// for s, or falls back to the first legal action if s was never
// enumerated (e.g. a state only reachable off the solved model's support).
func (p *exactPolicy) GetPromisingActions(s trajectory.State, k int) ([]int, error) {
	if idx, err := p.solver.indexOf(s); err == nil {
		return []int{p.solver.states[idx].currentAction}, nil
	}
	actions := p.solver.adapter.AllowedActions(s)
	if len(actions) == 0 {
		return nil, &dclerr.ContractError{Component: "exactsolver.exactPolicy", Capability: "non-empty AllowedActions"}
	}
	if k > 0 && k < len(actions) {
		actions = actions[:k]
	}
	return actions, nil
}
