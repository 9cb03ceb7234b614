// Package samplegen implements the Sample Generator: parallel construction
// of N training samples by driving a pool of trajectories under the
// current policy and invoking the Action Selector at every action
// decision.
package samplegen

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/sample"
	"github.com/dynaplexgo/dcl/selector"
	"github.com/dynaplexgo/dcl/trajectory"
)

// Rank identifies this process's slot in a distributed run: Index in
// [0, Size). A single-process run uses Rank{0, 1}.
type Rank struct {
	Index, Size int
}

// Config holds the Sample Generator's tunables, grounded on spec.md §4.D.
type Config struct {
	// L is how many events a freshly reset driving trajectory must
	// accumulate, under the warm-start Policy, before its decisions start
	// producing samples. Infinite-horizon MDPs only; zero disables warm-up.
	L int
	// M is the per-decision rollout budget handed to the Action Selector.
	M int
	// H is the per-rollout horizon handed to the Action Selector.
	H int
	// ReinitiateCounter is how many events a driving trajectory advances
	// before being reset from a fresh initial state, to diversify visited
	// states. Zero disables forced reinitiation (trajectories only reset on
	// reaching Final).
	ReinitiateCounter int
	// Workers is the worker pool size; zero means runtime.GOMAXPROCS(0).
	Workers int
	// DrivingPoolSize is how many concurrent driving trajectories each
	// worker maintains.
	DrivingPoolSize int
}

// ConfigFromParams reads Config fields out of params, matching the
// teacher's parameter-popping construction style.
func ConfigFromParams(params config.Params) (Config, error) {
	var c Config
	var err error
	if c.L, err = config.PopParamOr(params, "L", 0); err != nil {
		return c, err
	}
	if c.M, err = config.PopParamOr(params, "M", 100); err != nil {
		return c, err
	}
	if c.H, err = config.PopParamOr(params, "H", 40); err != nil {
		return c, err
	}
	if c.ReinitiateCounter, err = config.PopParamOr(params, "reinitiate_counter", 0); err != nil {
		return c, err
	}
	if c.Workers, err = config.PopParamOr(params, "workers", 0); err != nil {
		return c, err
	}
	if c.DrivingPoolSize, err = config.PopParamOr(params, "driving_pool_size", 4); err != nil {
		return c, err
	}
	return c, nil
}

// Generator orchestrates parallel sample collection for one MDP adapter.
type Generator struct {
	adapter   *mdp.Adapter
	selector  selector.Selector
	warmStart policy.Policy
	cfg       Config
	sys       rng.System
	rank      Rank
}

// New builds a Generator. warmStart both seeds driving trajectories forward
// between decisions and backs sel's sub-rollouts.
func New(adapter *mdp.Adapter, sel selector.Selector, warmStart policy.Policy, cfg Config, sys rng.System, rank Rank) *Generator {
	if rank.Size == 0 {
		rank = Rank{0, 1}
	}
	return &Generator{adapter: adapter, selector: sel, warmStart: warmStart, cfg: cfg, sys: sys, rank: rank}
}

// Generate collects this rank's share of n training samples,
// ceil(n/Rank.Size) (all n for a single process), fanned out across a
// worker pool. Each worker owns its own pool of driving trajectories and
// stops pulling new work once the shared counter reaches that share. Samples are returned in a
// pre-sized slice indexed by the order workers happened to fill it in --
// not sample_index order; callers that need input order should sort by
// sample.Sample.SampleIndex.
func (g *Generator) Generate(ctx context.Context, n int) ([]sample.Sample, error) {
	perRank := (n + g.rank.Size - 1) / g.rank.Size
	workers := g.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > perRank {
		workers = perRank
	}

	samples := make([]sample.Sample, 0, perRank)
	var mu sync.Mutex
	var produced atomic.Int64

	group, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		workerIndex := w
		group.Go(func() error {
			return g.runWorker(ctx, workerIndex, int64(perRank), &produced, &samples, &mu)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	klog.V(2).InfoS("sample generation complete", "requested", n, "collected", len(samples), "rank", g.rank.Index)
	return samples, nil
}

func (g *Generator) runWorker(ctx context.Context, workerIndex int, target int64, produced *atomic.Int64, out *[]sample.Sample, mu *sync.Mutex) error {
	info := g.adapter.StaticInfo()
	pool := make([]*trajectory.Trajectory, g.cfg.DrivingPoolSize)
	for i := range pool {
		externalIndex := int64(g.rank.Index)*int64(1<<20) + int64(workerIndex)*int64(len(pool)) + int64(i)
		pool[i] = trajectory.New(info.NumEventStreams, externalIndex)
	}
	if err := g.adapter.InitiateState(pool); err != nil {
		return err
	}
	for _, t := range pool {
		t.SeedRNG(g.sys, false, 0, uint32(workerIndex))
	}

	var local []sample.Sample
	flush := func() {
		if len(local) == 0 {
			return
		}
		mu.Lock()
		*out = append(*out, local...)
		mu.Unlock()
		local = local[:0]
	}

	next := 0
	var attempt int64
	for produced.Load() < target {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		default:
		}

		traj := pool[next]
		next = (next + 1) % len(pool)

		if err := g.ensureAwaitAction(traj); err != nil {
			return err
		}

		if g.warmingUp(traj, info) {
			if err := g.adapter.IncorporateActionWithPolicy([]*trajectory.Trajectory{traj}, g.warmStart); err != nil {
				return err
			}
			if traj.Category.Kind == trajectory.AwaitEvent {
				if err := g.adapter.IncorporateEvent([]*trajectory.Trajectory{traj}); err != nil {
					return err
				}
			}
			continue
		}

		// attempt seeds every decision, emitted or not, so sub-rollouts stay
		// reproducible; the sample's own external index is only carved out of
		// produced below, once it is known the decision will actually emit.
		seed1, seed2 := rng.DeriveSeed("sample", int64(g.sys.GlobalSeed), int64(g.rank.Index), int64(workerIndex), attempt)
		attempt++

		smpl, err := g.selector.SetAction(traj, int64(seed1^seed2), 0, g.cfg.M, g.cfg.H)
		if err != nil {
			return err
		}
		if smpl.Emit {
			sampleIndex := produced.Add(1) - 1
			if sampleIndex >= target {
				flush()
				return nil
			}
			smpl.SampleIndex = int(sampleIndex)
			local = append(local, smpl)
			if len(local) >= 64 {
				flush()
			}
		}

		if err := g.adapter.IncorporateAction([]*trajectory.Trajectory{traj}); err != nil {
			return err
		}
		if traj.Category.Kind == trajectory.AwaitEvent {
			if err := g.adapter.IncorporateEvent([]*trajectory.Trajectory{traj}); err != nil {
				return err
			}
		}
	}
	flush()
	return nil
}

// warmingUp reports whether traj is still inside its post-reset warm-up
// window: on infinite-horizon MDPs, a freshly reset trajectory accumulates L
// events under warmStart before its decisions start producing samples, so
// the driving pool doesn't over-represent states near the reset point.
func (g *Generator) warmingUp(traj *trajectory.Trajectory, info mdp.StaticInfo) bool {
	return info.Horizon == mdp.InfiniteHorizon && g.cfg.L > 0 && traj.EventCount < g.cfg.L
}

// ensureAwaitAction advances traj until it is AwaitAction, resetting it
// from a fresh initial state if it is Final or has run past
// ReinitiateCounter events since its last reset.
func (g *Generator) ensureAwaitAction(traj *trajectory.Trajectory) error {
	needsReset := traj.Category.Kind == trajectory.Final ||
		(g.cfg.ReinitiateCounter > 0 && traj.EventCount >= g.cfg.ReinitiateCounter)
	if needsReset {
		if err := g.adapter.InitiateState([]*trajectory.Trajectory{traj}); err != nil {
			return err
		}
	}
	if traj.Category.Kind == trajectory.AwaitAction {
		return nil
	}
	_, err := g.adapter.IncorporateUntilAction([]*trajectory.Trajectory{traj}, g.warmStart, 0)
	return err
}
