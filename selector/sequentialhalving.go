package selector

import (
	"math"
	"sort"

	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/sample"
	"github.com/dynaplexgo/dcl/trajectory"
)

// SequentialHalving implements the Karnin-Koren-Somekh pure-exploration
// bandit algorithm: candidates are evaluated in rounds, the worse half (by
// mean return) is discarded after each round, until a single winner
// survives. See https://proceedings.mlr.press/v28/karnin13.pdf.
type SequentialHalving struct {
	core
}

// NewSequentialHalving builds a SequentialHalving selector over adapter,
// evaluating candidates by rolling out under warmStart.
func NewSequentialHalving(adapter *mdp.Adapter, warmStart policy.Policy, cfg Config) *SequentialHalving {
	return &SequentialHalving{core{adapter: adapter, warmStart: warmStart, cfg: cfg, numActions: adapter.StaticInfo().NumActions}}
}

// SetAction implements Selector.
func (sh *SequentialHalving) SetAction(traj *trajectory.Trajectory, sampleSeed int64, sampleIndex int, m, h int) (sample.Sample, error) {
	if traj.Category.Kind != trajectory.AwaitAction {
		return sample.Sample{}, &dclerr.StateError{Component: "selector.SequentialHalving", Operation: "SetAction", Got: traj.Category.Kind.String(), Want: trajectory.AwaitAction.String()}
	}
	s := traj.GetState()
	actions, err := sh.candidateActions(s)
	if err != nil {
		return sample.Sample{}, err
	}

	features := make([]float32, sh.adapter.StaticInfo().NumFeatures)
	if err := sh.adapter.GetFlatFeaturesState(s, features); err != nil {
		return sample.Sample{}, err
	}

	statsByAction := make(map[int]*stats, len(actions))
	for _, a := range actions {
		statsByAction[a] = &stats{}
	}

	if len(actions) == 1 {
		// A single legal action has nothing to compare against: one raw
		// rollout stands in directly as its score, rather than running a
		// halving schedule whose len(active) > 1 guard would skip every
		// round and leave the action unscored.
		action := actions[0]
		ret, _, err := sh.rollout(s, action, sampleSeed, action, 0, h)
		if err != nil {
			return sample.Sample{}, err
		}
		statsByAction[action].add(ret)
	} else {
		rounds := int(math.Ceil(math.Log2(float64(len(actions)))))
		if rounds < 1 {
			rounds = 1
		}

		active := append([]int(nil), actions...)
		rolloutCounter := make(map[int]int, len(actions))

		for round := 0; round < rounds && len(active) > 1; round++ {
			budget := m / (len(active) * rounds)
			if budget < 1 {
				budget = 1
			}
			for _, action := range active {
				st := statsByAction[action]
				for r := 0; r < budget; r++ {
					idx := rolloutCounter[action]
					rolloutCounter[action] = idx + 1
					ret, _, err := sh.rollout(s, action, sampleSeed, action, idx, h)
					if err != nil {
						return sample.Sample{}, err
					}
					st.add(ret)
				}
			}
			sort.Slice(active, func(i, j int) bool { return statsByAction[active[i]].mean > statsByAction[active[j]].mean })
			survivors := (len(active) + 1) / 2
			active = active[:survivors]
		}
	}

	means := make(map[int]float64, len(statsByAction))
	stderrs := make(map[int]float64, len(statsByAction))
	for action, st := range statsByAction {
		means[action] = st.mean
		stderrs[action] = st.stderrOf()
	}

	var promisingMask []bool
	if sh.cfg.SimulateOnlyPromisingActions {
		promisingMask = make([]bool, sh.adapter.StaticInfo().NumActions)
		for _, a := range actions {
			promisingMask[a] = true
		}
	}

	smpl := finalizeSample(features, sh.adapter.StaticInfo().NumActions, means, stderrs, sampleIndex, promisingMask)
	traj.NextAction = smpl.ChosenAction
	return smpl, nil
}
