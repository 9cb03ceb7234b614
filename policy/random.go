package policy

import (
	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/trajectory"
)

// AllowedActionsFunc reports the legal action indices for a state. The
// random policy is agnostic of any particular MDP, so it is handed this
// callback rather than importing package mdp (which would create an import
// cycle, since mdp itself depends on this package for Policy/Registry).
type AllowedActionsFunc func(s trajectory.State) []int

// randomPolicy picks uniformly among the allowed actions, using each
// trajectory's own PolicyStream so two runs with identical seeds choose
// identically.
type randomPolicy struct {
	allowedActions AllowedActionsFunc
}

// NewRandom returns a Policy that picks uniformly at random among the
// allowed actions of each trajectory's state.
func NewRandom(allowedActions AllowedActionsFunc) Policy {
	return &randomPolicy{allowedActions: allowedActions}
}

func (p *randomPolicy) TypeIdentifier() string { return "random" }

func (p *randomPolicy) GetConfig() config.Params { return config.Params{} }

func (p *randomPolicy) SetAction(trajs []*trajectory.Trajectory) error {
	for _, traj := range trajs {
		if traj.Category.Kind != trajectory.AwaitAction {
			return &dclerr.StateError{
				Component: "policy.random",
				Operation: "SetAction",
				Got:       traj.Category.Kind.String(),
				Want:      trajectory.AwaitAction.String(),
			}
		}
		actions := p.allowedActions(traj.GetState())
		if len(actions) == 0 {
			return &dclerr.ContractError{Component: "policy.random", Capability: "non-empty AllowedActions"}
		}
		idx := traj.RNG.PolicyStream().IntN(len(actions))
		traj.NextAction = actions[idx]
	}
	return nil
}

func (p *randomPolicy) GetPromisingActions(s trajectory.State, k int) ([]int, error) {
	actions := p.allowedActions(s)
	if k > 0 && k < len(actions) {
		actions = actions[:k]
	}
	return actions, nil
}
