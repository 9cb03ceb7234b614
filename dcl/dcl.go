// Package dcl implements the Deep Controlled Learning generational loop:
// repeatedly sample under the current policy, hand the samples to an
// external trainer, wrap the resulting scoring function as the next
// generation's policy, and persist it.
package dcl

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/nnpolicy"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/sample"
	"github.com/dynaplexgo/dcl/samplegen"
	"github.com/dynaplexgo/dcl/selector"
	"github.com/dynaplexgo/dcl/trajectory"
)

// Trainer is the engine's one contractual opaque dependency: it consumes a
// generation's training samples and produces a ScoringFunction. Concrete
// implementations live outside this module's scope (spec.md §1's "neural
// network training and persistence... covered only as an opaque
// dependency").
type Trainer interface {
	Train(ctx context.Context, samples []sample.Sample) (nnpolicy.ScoringFunction, error)
}

// SelectorFactory builds the Action Selector each generation uses to
// evaluate rollout candidates, warm-started by the previous generation's
// policy.
type SelectorFactory func(warmStart policy.Policy) selector.Selector

// Config holds the loop's tunables.
type Config struct {
	// NumGens is the number of generations to run. Zero means run forever
	// until ctx is cancelled.
	NumGens int
	// N is the sample target per generation, passed to the Sample
	// Generator.
	N int
	// OutputPathPrefix is where generation g's policy is persisted, as
	// "<prefix>_gen<g>.json"/".weights".
	OutputPathPrefix string
	// ResumeGen, if > 1, resumes at generation ResumeGen from generation
	// ResumeGen-1's persisted policy instead of the caller-supplied initial
	// policy; 0 and 1 both start at generation 1 from the initial policy.
	ResumeGen int
	// RetrainLastGenOnly skips generating+training earlier generations when
	// their persisted policies already exist on disk, retraining only the
	// final generation.
	RetrainLastGenOnly bool
}

// ConfigFromParams reads Config fields out of params, matching the
// teacher's parameter-popping construction style.
func ConfigFromParams(params config.Params) (Config, error) {
	var c Config
	var err error
	if c.NumGens, err = config.PopParamOr(params, "num_gens", 1); err != nil {
		return c, err
	}
	if c.N, err = config.PopParamOr(params, "N", 10000); err != nil {
		return c, err
	}
	if c.OutputPathPrefix, err = config.PopParamOr(params, "output_path_prefix", "policy"); err != nil {
		return c, err
	}
	if c.ResumeGen, err = config.PopParamOr(params, "resume_gen", 0); err != nil {
		return c, err
	}
	if c.RetrainLastGenOnly, err = config.PopParamOr(params, "retrain_lastgen_only", false); err != nil {
		return c, err
	}
	return c, nil
}

// Loop drives the generational training process for one MDP adapter.
type Loop struct {
	adapter   *mdp.Adapter
	trainer   Trainer
	newScorer func() nnpolicy.ScoringFunction
	genConfig samplegen.Config
	sys       rng.System
	cfg       Config
}

// NewLoop builds a Loop. newScorer constructs a fresh, untrained
// ScoringFunction of the concrete network architecture the caller wants
// (e.g. internal/gomlxscore.New); it is invoked once whenever Run needs to
// reconstruct a persisted policy (resume, or retrain_lastgen_only).
func NewLoop(adapter *mdp.Adapter, trainer Trainer, newScorer func() nnpolicy.ScoringFunction, genConfig samplegen.Config, sys rng.System, cfg Config) *Loop {
	return &Loop{adapter: adapter, trainer: trainer, newScorer: newScorer, genConfig: genConfig, sys: sys, cfg: cfg}
}

// Run executes the generational loop starting from initialPolicy, building
// that generation's Action Selector via newSelector (warm-started by the
// previous generation's policy) for every generation.
func (l *Loop) Run(ctx context.Context, initialPolicy policy.Policy, newSelector SelectorFactory) (policy.Policy, error) {
	current := initialPolicy

	startGen := 1
	if l.cfg.ResumeGen > 1 {
		resumed, err := l.loadGeneration(l.cfg.ResumeGen - 1)
		if err != nil {
			return nil, errors.Wrapf(err, "dcl: resuming from generation %d", l.cfg.ResumeGen-1)
		}
		current = resumed
		startGen = l.cfg.ResumeGen
	}

	for gen := startGen; l.cfg.NumGens <= 0 || gen <= l.cfg.NumGens; gen++ {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		default:
		}

		path := l.pathFor(gen)
		if l.cfg.RetrainLastGenOnly && !l.isLastGen(gen) {
			if existing, ok, err := l.tryLoadExisting(path); err != nil {
				return nil, err
			} else if ok {
				klog.V(1).InfoS("skipping generation, persisted policy already exists", "generation", gen, "path", path)
				current = existing
				continue
			}
		}

		genConfig, err := l.resolveGenConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "dcl: resolving hyperparameters for generation %d", gen)
		}

		klog.InfoS("generating samples", "generation", gen, "target", l.targetN())
		generator := samplegen.New(l.adapter, newSelector(current), current, genConfig, l.sys, samplegen.Rank{})
		samples, err := generator.Generate(ctx, l.targetN())
		if err != nil {
			return nil, errors.Wrapf(err, "dcl: generating samples for generation %d", gen)
		}

		klog.InfoS("training", "generation", gen, "samples", len(samples))
		scorer, err := l.trainer.Train(ctx, samples)
		if err != nil {
			return nil, errors.Wrapf(err, "dcl: training generation %d", gen)
		}

		next := nnpolicy.New(l.adapter, scorer, fmt.Sprintf("nn-gen-%d", gen), config.Params{})
		if err := next.Save(path); err != nil {
			return nil, errors.Wrapf(err, "dcl: persisting generation %d", gen)
		}
		current = next
	}
	return current, nil
}

// resolveGenConfig consults the adapter's HyperparameterAdvisor, if the
// wrapped Model implements one, against a fresh initial state -- once per
// generation, not per visited state, per the advisor's intended granularity.
// Models that don't implement it leave l.genConfig untouched.
func (l *Loop) resolveGenConfig() (samplegen.Config, error) {
	cfg := l.genConfig

	info := l.adapter.StaticInfo()
	traj := trajectory.New(info.NumEventStreams, 0)
	if err := l.adapter.InitiateState([]*trajectory.Trajectory{traj}); err != nil {
		return cfg, err
	}

	s := traj.GetState()
	cfg.L = l.adapter.AdvisedL(s, cfg.L)
	cfg.H = l.adapter.AdvisedH(s, cfg.H)
	cfg.M = l.adapter.AdvisedM(s, cfg.M)
	cfg.ReinitiateCounter = l.adapter.AdvisedReinitiateCounter(s, cfg.ReinitiateCounter)
	return cfg, nil
}

func (l *Loop) targetN() int {
	if l.cfg.N > 0 {
		return l.cfg.N
	}
	return 1000
}

func (l *Loop) pathFor(gen int) string {
	return fmt.Sprintf("%s_gen%d", l.cfg.OutputPathPrefix, gen)
}

func (l *Loop) isLastGen(gen int) bool {
	return l.cfg.NumGens > 0 && gen == l.cfg.NumGens
}

func (l *Loop) tryLoadExisting(path string) (policy.Policy, bool, error) {
	if _, _, _, _, err := nnpolicy.LoadMetadata(path); err != nil {
		return nil, false, nil
	}
	p, err := l.loadPath(path)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (l *Loop) loadGeneration(gen int) (policy.Policy, error) {
	return l.loadPath(l.pathFor(gen))
}

func (l *Loop) loadPath(path string) (policy.Policy, error) {
	id, _, _, cfg, err := nnpolicy.LoadMetadata(path)
	if err != nil {
		return nil, err
	}
	scorer := l.newScorer()
	if err := nnpolicy.LoadWeights(path, scorer); err != nil {
		return nil, err
	}
	return nnpolicy.New(l.adapter, scorer, id, cfg), nil
}

// OutputDir returns the directory portion of the configured output path
// prefix, for callers that need to ensure it exists before Run.
func (l *Loop) OutputDir() string {
	return filepath.Dir(l.cfg.OutputPathPrefix)
}
