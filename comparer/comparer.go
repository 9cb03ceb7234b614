// Package comparer implements the Policy Comparer: paired evaluation of one
// or many policies over many independent trajectories, using common random
// numbers so that, under eval=true, every policy sees identical event
// sequences trajectory-for-trajectory.
package comparer

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/trajectory"
)

// Config holds the Policy Comparer's tunables, per spec.md §4.F.
type Config struct {
	NumberOfTrajectories  int
	PeriodsPerTrajectory  int
	WarmupPeriods         int
	MaxPeriodsUntilError  int
	RngSeed               int64
	NumberOfStatistics    int
	AvoidableCost         bool
	PrintStandardError    bool
	BenchmarkPolicyIndex  int
	HigherIsBetter        bool
	Workers               int
}

// ConfigFromParams reads Config fields out of params, matching the
// teacher's parameter-popping construction style.
func ConfigFromParams(params config.Params) (Config, error) {
	var c Config
	var err error
	if c.NumberOfTrajectories, err = config.PopParamOr(params, "number_of_trajectories", 100); err != nil {
		return c, err
	}
	if c.PeriodsPerTrajectory, err = config.PopParamOr(params, "periods_per_trajectory", 1000); err != nil {
		return c, err
	}
	if c.WarmupPeriods, err = config.PopParamOr(params, "warmup_periods", 100); err != nil {
		return c, err
	}
	if c.MaxPeriodsUntilError, err = config.PopParamOr(params, "max_periods_until_error", 10000); err != nil {
		return c, err
	}
	if c.RngSeed, err = config.PopParamOr(params, "rng_seed", int64(1)); err != nil {
		return c, err
	}
	if c.NumberOfStatistics, err = config.PopParamOr(params, "number_of_statistics", 0); err != nil {
		return c, err
	}
	if c.AvoidableCost, err = config.PopParamOr(params, "avoidable_cost", false); err != nil {
		return c, err
	}
	if c.PrintStandardError, err = config.PopParamOr(params, "print_standard_error", true); err != nil {
		return c, err
	}
	if c.BenchmarkPolicyIndex, err = config.PopParamOr(params, "benchmark_policy_index", 0); err != nil {
		return c, err
	}
	if c.HigherIsBetter, err = config.PopParamOr(params, "higher_is_better", false); err != nil {
		return c, err
	}
	if c.Workers, err = config.PopParamOr(params, "workers", 0); err != nil {
		return c, err
	}
	return c, nil
}

// Result is one policy's aggregated evaluation record.
type Result struct {
	PolicyID string
	Mean     float64

	HasStandardError bool
	StandardError    float64

	HasMeanDifference bool
	MeanDifference    float64
	MeanDifferenceSE  float64
	PercentageGap     float64

	HasAvoidableCost       bool
	AvoidableMean          float64
	AvoidableStandardError float64

	// Statistics holds the per-statistic mean across trajectories, in the
	// order the MDP's StatisticsProvider returns them.
	Statistics []float64
}

// Comparer evaluates policies against one MDP adapter.
type Comparer struct {
	adapter *mdp.Adapter
	cfg     Config
}

// New builds a Comparer.
func New(adapter *mdp.Adapter, cfg Config) *Comparer {
	return &Comparer{adapter: adapter, cfg: cfg}
}

func (c *Comparer) workers() int {
	if c.cfg.Workers > 0 {
		return c.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Compare evaluates every policy and returns one Result per policy, in the
// same order as policies.
func (c *Comparer) Compare(ctx context.Context, policies []policy.Policy) ([]Result, error) {
	perTrajReturns := make([][]float64, len(policies))
	perTrajStats := make([][][]float64, len(policies))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers())
	for i, pol := range policies {
		i, pol := i, pol
		group.Go(func() error {
			rets, stats, err := c.evaluatePolicy(gctx, pol)
			if err != nil {
				return err
			}
			perTrajReturns[i] = rets
			perTrajStats[i] = stats
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, len(policies))
	for i, pol := range policies {
		results[i] = c.summarize(pol, perTrajReturns, perTrajStats, i)
	}
	klog.V(2).InfoS("policy comparison complete", "policies", len(policies), "trajectories", c.cfg.NumberOfTrajectories)
	return results, nil
}

// evaluatePolicy runs the spec.md §4.F protocol for a single policy and
// returns its per-trajectory return and per-trajectory user statistics.
func (c *Comparer) evaluatePolicy(ctx context.Context, pol policy.Policy) ([]float64, [][]float64, error) {
	info := c.adapter.StaticInfo()
	n := c.cfg.NumberOfTrajectories
	trajs := make([]*trajectory.Trajectory, n)
	for i := range trajs {
		trajs[i] = trajectory.New(info.NumEventStreams, int64(i))
		trajs[i].SeedRNG(rng.System{GlobalSeed: c.cfg.RngSeed}, true, 0, 0)
	}
	if err := c.adapter.InitiateState(trajs); err != nil {
		return nil, nil, err
	}

	var rets []float64
	switch {
	case info.Horizon == mdp.FiniteHorizon:
		if err := c.evolveUntilFinal(ctx, trajs, pol, c.cfg.MaxPeriodsUntilError); err != nil {
			return nil, nil, err
		}
		rets = cumulativeReturns(trajs)

	case info.DiscountFactor < 1:
		if err := c.evolveUntilEventCount(ctx, trajs, pol, c.cfg.PeriodsPerTrajectory); err != nil {
			return nil, nil, err
		}
		rets = cumulativeReturns(trajs)

	default:
		if err := c.evolveUntilEventCount(ctx, trajs, pol, c.cfg.WarmupPeriods); err != nil {
			return nil, nil, err
		}
		baseline := cumulativeReturns(trajs)
		for _, t := range trajs {
			c.adapter.ResetHiddenStateVariables(t.GetState())
		}
		target := c.cfg.WarmupPeriods + c.cfg.PeriodsPerTrajectory
		if err := c.evolveUntilEventCount(ctx, trajs, pol, target); err != nil {
			return nil, nil, err
		}
		rets = make([]float64, n)
		for i, t := range trajs {
			rets[i] = (t.CumulativeReturn - baseline[i]) / float64(c.cfg.PeriodsPerTrajectory)
		}
	}
	return rets, c.collectStats(trajs), nil
}

func cumulativeReturns(trajs []*trajectory.Trajectory) []float64 {
	out := make([]float64, len(trajs))
	for i, t := range trajs {
		out[i] = t.CumulativeReturn
	}
	return out
}

func (c *Comparer) collectStats(trajs []*trajectory.Trajectory) [][]float64 {
	if c.cfg.NumberOfStatistics == 0 {
		return nil
	}
	out := make([][]float64, len(trajs))
	for i, t := range trajs {
		stats := c.adapter.UsefulStatistics(t.GetState())
		row := make([]float64, c.cfg.NumberOfStatistics)
		copy(row, stats)
		out[i] = row
	}
	return out
}

// evolveUntilEventCount batches trajectories by shared category (all those
// awaiting an action incorporated together, all those awaiting an event
// incorporated together) and repeats until every trajectory has either
// reached Final or incorporated target events since its last reset.
func (c *Comparer) evolveUntilEventCount(ctx context.Context, trajs []*trajectory.Trajectory, pol policy.Policy, target int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var actionBatch, eventBatch []*trajectory.Trajectory
		for _, t := range trajs {
			if t.EventCount >= target || t.Category.Kind == trajectory.Final {
				continue
			}
			switch t.Category.Kind {
			case trajectory.AwaitAction:
				actionBatch = append(actionBatch, t)
			case trajectory.AwaitEvent:
				eventBatch = append(eventBatch, t)
			}
		}
		if len(actionBatch) == 0 && len(eventBatch) == 0 {
			return nil
		}
		if len(actionBatch) > 0 {
			if err := c.adapter.IncorporateActionWithPolicy(actionBatch, pol); err != nil {
				return err
			}
		}
		if len(eventBatch) > 0 {
			if err := c.adapter.IncorporateEvent(eventBatch); err != nil {
				return err
			}
		}
	}
}

// evolveUntilFinal behaves like evolveUntilEventCount but the stopping
// condition is Final (with maxPeriods as a safety cap); it is a fatal error
// for any trajectory to still be short of Final once the cap is hit.
func (c *Comparer) evolveUntilFinal(ctx context.Context, trajs []*trajectory.Trajectory, pol policy.Policy, maxPeriods int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var actionBatch, eventBatch []*trajectory.Trajectory
		for _, t := range trajs {
			if t.Category.Kind == trajectory.Final {
				continue
			}
			if maxPeriods > 0 && t.EventCount >= maxPeriods {
				continue
			}
			switch t.Category.Kind {
			case trajectory.AwaitAction:
				actionBatch = append(actionBatch, t)
			case trajectory.AwaitEvent:
				eventBatch = append(eventBatch, t)
			}
		}
		if len(actionBatch) == 0 && len(eventBatch) == 0 {
			break
		}
		if len(actionBatch) > 0 {
			if err := c.adapter.IncorporateActionWithPolicy(actionBatch, pol); err != nil {
				return err
			}
		}
		if len(eventBatch) > 0 {
			if err := c.adapter.IncorporateEvent(eventBatch); err != nil {
				return err
			}
		}
	}
	for _, t := range trajs {
		if t.Category.Kind != trajectory.Final {
			return &dclerr.NumericError{Component: "comparer", Reason: "finite-horizon trajectory did not reach Final within max_periods_until_error"}
		}
	}
	return nil
}

func (c *Comparer) summarize(pol policy.Policy, perTrajReturns [][]float64, perTrajStats [][][]float64, i int) Result {
	rets := perTrajReturns[i]
	mean, sd := stat.MeanStdDev(rets, nil)

	res := Result{PolicyID: pol.TypeIdentifier(), Mean: mean}
	if c.cfg.PrintStandardError {
		res.HasStandardError = true
		res.StandardError = sd / math.Sqrt(float64(len(rets)))
	}

	bench := c.cfg.BenchmarkPolicyIndex
	if bench >= 0 && bench < len(perTrajReturns) && bench != i && len(perTrajReturns[bench]) == len(rets) {
		diffs := make([]float64, len(rets))
		for j := range rets {
			diffs[j] = rets[j] - perTrajReturns[bench][j]
		}
		dMean, dSD := stat.MeanStdDev(diffs, nil)
		res.HasMeanDifference = true
		res.MeanDifference = dMean
		res.MeanDifferenceSE = dSD / math.Sqrt(float64(len(diffs)))

		benchMean, _ := stat.MeanStdDev(perTrajReturns[bench], nil)
		if benchMean != 0 {
			if c.cfg.HigherIsBetter {
				res.PercentageGap = (mean - benchMean) / math.Abs(benchMean) * 100
			} else {
				res.PercentageGap = (benchMean - mean) / math.Abs(benchMean) * 100
			}
		}
	}

	if c.cfg.AvoidableCost && c.cfg.NumberOfStatistics > 0 {
		av := make([]float64, len(rets))
		stats := perTrajStats[i]
		for j := range rets {
			unavoidable := 0.0
			if stats != nil && len(stats[j]) > 0 {
				unavoidable = stats[j][0]
			}
			av[j] = rets[j] - unavoidable
		}
		avMean, avSD := stat.MeanStdDev(av, nil)
		res.HasAvoidableCost = true
		res.AvoidableMean = avMean
		res.AvoidableStandardError = avSD / math.Sqrt(float64(len(av)))
	}

	if c.cfg.NumberOfStatistics > 0 {
		means := make([]float64, c.cfg.NumberOfStatistics)
		stats := perTrajStats[i]
		for k := 0; k < c.cfg.NumberOfStatistics; k++ {
			col := make([]float64, len(rets))
			for j := range rets {
				col[j] = stats[j][k]
			}
			means[k], _ = stat.MeanStdDev(col, nil)
		}
		res.Statistics = means
	}
	return res
}
