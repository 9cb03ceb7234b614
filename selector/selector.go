// Package selector implements the Action Selector: given a driving state,
// it evaluates candidate actions by Monte-Carlo rollout and returns the
// best one plus a training sample.Sample. Two variants are provided --
// Uniform (equal budget per candidate) and SequentialHalving (the
// Karnin-Koren-Somekh bandit algorithm) -- sharing a rollout core.
package selector

import (
	"math"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/sample"
	"github.com/dynaplexgo/dcl/trajectory"
)

// Selector picks the best action out of a state's candidates and produces a
// training sample describing the comparison.
type Selector interface {
	// SetAction evaluates traj's current (AwaitAction) state, sets
	// traj.NextAction to the winning candidate, and returns a sample
	// describing the comparison. sampleSeed deterministically seeds every
	// sub-rollout; sampleIndex is stamped into the returned sample.
	SetAction(traj *trajectory.Trajectory, sampleSeed int64, sampleIndex int, m, h int) (sample.Sample, error)
}

// Config holds the construction parameters shared by both variants.
type Config struct {
	SimulateOnlyPromisingActions bool
	NumPromisingActions          int
}

// ConfigFromParams reads Config fields out of params (consumed, matching
// the teacher's parameter-popping construction style), leaving any other
// keys in params for the caller.
func ConfigFromParams(params config.Params) (Config, error) {
	var c Config
	var err error
	c.SimulateOnlyPromisingActions, err = config.PopParamOr(params, "simulate_only_promising_actions", false)
	if err != nil {
		return c, err
	}
	c.NumPromisingActions, err = config.PopParamOr(params, "num_promising_actions", 0)
	if err != nil {
		return c, err
	}
	return c, nil
}

// core bundles the dependencies and sub-rollout logic shared by Uniform and
// SequentialHalving.
type core struct {
	adapter    *mdp.Adapter
	warmStart  policy.Policy
	cfg        Config
	numActions int
}

// candidateActions resolves the candidate set A for state s per spec: if
// SimulateOnlyPromisingActions and the warm-start policy has an opinion,
// restrict to at most NumPromisingActions of its suggestions; otherwise use
// every legal action.
func (c *core) candidateActions(s trajectory.State) ([]int, error) {
	if c.cfg.SimulateOnlyPromisingActions {
		promising, err := c.warmStart.GetPromisingActions(s, c.cfg.NumPromisingActions)
		if err != nil {
			return nil, err
		}
		if len(promising) > 0 {
			return promising, nil
		}
	}
	actions := c.adapter.AllowedActions(s)
	if len(actions) == 0 {
		return nil, &dclerr.ContractError{Component: "selector", Capability: "non-empty AllowedActions for an AwaitAction state"}
	}
	return actions, nil
}

// rollout clones s, applies action, then lets the warm-start policy drive
// the state for up to h events or until Final, accumulating discounted
// reward. It returns the return and the number of events actually
// incorporated (used for average-cost normalization). All randomness is
// drawn from streams seeded from (sampleSeed, actionIndex, subRolloutIndex).
func (c *core) rollout(s trajectory.State, action int, sampleSeed int64, actionIndex, subRolloutIndex int, h int) (ret float64, events int, err error) {
	seed1, seed2 := rng.DeriveSeed("subrollout", sampleSeed, int64(actionIndex), int64(subRolloutIndex))

	info := c.adapter.StaticInfo()
	traj := trajectory.New(info.NumEventStreams, 0)
	clone := s.Clone()
	traj.Reset(clone)
	traj.RNG.Seed(rng.System{GlobalSeed: int64(seed1 ^ seed2)}, true, 0, 0, 0)

	category := c.adapter.CategoryOf(clone)
	traj.SetCategory(category)
	if category.Kind != trajectory.AwaitAction {
		return 0, 0, &dclerr.StateError{Component: "selector", Operation: "rollout", Got: category.Kind.String(), Want: trajectory.AwaitAction.String()}
	}

	traj.NextAction = action
	if err := c.adapter.IncorporateAction([]*trajectory.Trajectory{traj}); err != nil {
		return 0, 0, err
	}

	for i := 0; i < h && traj.Category.Kind != trajectory.Final; i++ {
		if traj.Category.Kind == trajectory.AwaitAction {
			if err := c.adapter.IncorporateActionWithPolicy([]*trajectory.Trajectory{traj}, c.warmStart); err != nil {
				return 0, 0, err
			}
		}
		if traj.Category.Kind == trajectory.AwaitEvent {
			if err := c.adapter.IncorporateEvent([]*trajectory.Trajectory{traj}); err != nil {
				return 0, 0, err
			}
		}
	}

	ret = traj.CumulativeReturn
	events = traj.EventCount
	if info.Horizon == mdp.InfiniteHorizon && info.DiscountFactor >= 1 && traj.Category.Kind != trajectory.Final && events > 0 {
		// Exhausted the horizon without discounting and without
		// terminating: normalize to an average-cost basis so rollouts of
		// differing realized length remain comparable.
		ret /= float64(events)
	}
	return ret, events, nil
}

// finalizeSample builds the emitted sample.Sample from per-action mean
// returns, breaking the winner tie toward the lowest action index and
// deciding Emit by comparing the winner's score gap over the runner-up
// against the selector's own standard error estimate.
func finalizeSample(features []float32, numActions int, means map[int]float64, stderr map[int]float64, sampleIndex int, promising []bool) sample.Sample {
	scores := sample.NewActionScores(numActions)
	best, bestScore := -1, 0.0
	for action, mean := range means {
		scores[action] = float32(mean)
		if best == -1 || mean > bestScore || (mean == bestScore && action < best) {
			best, bestScore = action, mean
		}
	}

	runnerUp, runnerUpScore := -1, 0.0
	for action, mean := range means {
		if action == best {
			continue
		}
		if runnerUp == -1 || mean > runnerUpScore {
			runnerUp, runnerUpScore = action, mean
		}
	}

	emit := true
	if runnerUp != -1 {
		gap := bestScore - runnerUpScore
		se := stderr[best] + stderr[runnerUp]
		emit = gap > se
	}

	return sample.Sample{
		Features:     features,
		ActionScores: scores,
		ChosenAction: best,
		Promising:    promising,
		SampleIndex:  sampleIndex,
		Emit:         emit,
	}
}

// stats accumulates a running mean/variance for one candidate action,
// following Welford's online algorithm.
type stats struct {
	n     int
	mean  float64
	m2    float64
}

func (s *stats) add(x float64) {
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (x - s.mean)
}

func (s *stats) stderrOf() float64 {
	if s.n < 2 {
		return 0
	}
	variance := s.m2 / float64(s.n-1)
	return math.Sqrt(variance) / math.Sqrt(float64(s.n))
}
