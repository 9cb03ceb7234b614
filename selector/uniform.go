package selector

import (
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/sample"
	"github.com/dynaplexgo/dcl/trajectory"
)

// Uniform evaluates every candidate action with an equal rollout budget and
// picks the best mean return. No halving; otherwise identical I/O to
// SequentialHalving.
type Uniform struct {
	core
}

// NewUniform builds a Uniform selector over adapter, evaluating candidates
// by rolling out under warmStart.
func NewUniform(adapter *mdp.Adapter, warmStart policy.Policy, cfg Config) *Uniform {
	return &Uniform{core{adapter: adapter, warmStart: warmStart, cfg: cfg, numActions: adapter.StaticInfo().NumActions}}
}

// SetAction implements Selector.
func (u *Uniform) SetAction(traj *trajectory.Trajectory, sampleSeed int64, sampleIndex int, m, h int) (sample.Sample, error) {
	if traj.Category.Kind != trajectory.AwaitAction {
		return sample.Sample{}, &dclerr.StateError{Component: "selector.Uniform", Operation: "SetAction", Got: traj.Category.Kind.String(), Want: trajectory.AwaitAction.String()}
	}
	s := traj.GetState()
	actions, err := u.candidateActions(s)
	if err != nil {
		return sample.Sample{}, err
	}

	features := make([]float32, u.adapter.StaticInfo().NumFeatures)
	if err := u.adapter.GetFlatFeaturesState(s, features); err != nil {
		return sample.Sample{}, err
	}

	means := make(map[int]float64, len(actions))
	stderrs := make(map[int]float64, len(actions))

	if len(actions) == 1 {
		// A single legal action has nothing to compare against: one raw
		// rollout stands in directly as its score, rather than spending the
		// entire budget m re-confirming the only candidate.
		action := actions[0]
		ret, _, err := u.rollout(s, action, sampleSeed, action, 0, h)
		if err != nil {
			return sample.Sample{}, err
		}
		st := &stats{}
		st.add(ret)
		means[action] = st.mean
		stderrs[action] = st.stderrOf()
	} else {
		perAction := m / len(actions)
		if perAction < 1 {
			perAction = 1
		}
		for _, action := range actions {
			st := &stats{}
			for r := 0; r < perAction; r++ {
				ret, _, err := u.rollout(s, action, sampleSeed, action, r, h)
				if err != nil {
					return sample.Sample{}, err
				}
				st.add(ret)
			}
			means[action] = st.mean
			stderrs[action] = st.stderrOf()
		}
	}

	var promisingMask []bool
	if u.cfg.SimulateOnlyPromisingActions {
		promisingMask = make([]bool, u.adapter.StaticInfo().NumActions)
		for _, a := range actions {
			promisingMask[a] = true
		}
	}

	smpl := finalizeSample(features, u.adapter.StaticInfo().NumActions, means, stderrs, sampleIndex, promisingMask)
	traj.NextAction = smpl.ChosenAction
	return smpl, nil
}
