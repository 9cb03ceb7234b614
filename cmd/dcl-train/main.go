// Command dcl-train runs the Deep Controlled Learning generational loop
// (package dcl) against the lost-sales inventory MDP (examples/lostsales),
// training a GoMLX-backed policy (internal/gomlxscore) generation by
// generation. Grounded on the teacher's cmd/compare/main.go flag/klog/
// must/SafeInterrupt shape, adapted from a one-shot match comparison to a
// long-running training loop.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dcl"
	"github.com/dynaplexgo/dcl/examples/lostsales"
	"github.com/dynaplexgo/dcl/internal/gomlxscore"
	"github.com/dynaplexgo/dcl/internal/profilers"
	"github.com/dynaplexgo/dcl/internal/runctl"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/nnpolicy"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/samplegen"
	"github.com/dynaplexgo/dcl/selector"
)

var (
	flagMDPConfig       = flag.String("mdp", "", "lost-sales MDP configuration, e.g. \"p=9,h=1,leadtime=4,mean_demand=5\".")
	flagSelector        = flag.String("selector", "sequential_halving", "Action Selector: \"sequential_halving\" or \"uniform\".")
	flagSelectorConfig  = flag.String("selector_config", "", "Action Selector configuration.")
	flagSamplegenConfig = flag.String("samplegen_config", "", "Sample Generator configuration.")
	flagTrainerConfig   = flag.String("trainer_config", "", "GoMLX trainer hyperparameter overrides, e.g. \"num_hidden_nodes=32,kan\".")
	flagDCLConfig       = flag.String("dcl_config", "", "Deep Controlled Learning loop configuration, e.g. \"num_gens=10,N=20000,output_path_prefix=out/policy\".")
	flagWarmStart       = flag.String("warm_start", "basestock", "Policy the first generation's Action Selector warm-starts from.")
	flagSeed            = flag.Int64("seed", 1, "Master RNG seed (rng.System.GlobalSeed).")
	flagGracePeriod     = flag.Duration("grace_period", 10*time.Second, "How long to wait for a graceful shutdown after Ctrl+C before forcing exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := runctl.WithCancelOnInterrupt(context.Background(), *flagGracePeriod)
	defer cancel()

	profilers.Setup(ctx)
	defer profilers.OnQuit()

	model := must.M1(lostsales.New(config.NewFromConfigString(*flagMDPConfig)))
	adapter := mdp.NewAdapter(model)

	warmStart := must.M1(adapter.GetPolicy(*flagWarmStart))

	selectorCfg := must.M1(selector.ConfigFromParams(config.NewFromConfigString(*flagSelectorConfig)))
	newSelector := dcl.SelectorFactory(func(warmStart policy.Policy) selector.Selector {
		switch *flagSelector {
		case "uniform":
			return selector.NewUniform(adapter, warmStart, selectorCfg)
		default:
			return selector.NewSequentialHalving(adapter, warmStart, selectorCfg)
		}
	})

	genConfig := must.M1(samplegen.ConfigFromParams(config.NewFromConfigString(*flagSamplegenConfig)))
	dclConfig := must.M1(dcl.ConfigFromParams(config.NewFromConfigString(*flagDCLConfig)))
	info := adapter.StaticInfo()

	trainerHyperparams := config.NewFromConfigString(*flagTrainerConfig)
	newScorer := func() nnpolicy.ScoringFunction {
		scorer, err := gomlxscore.New(gomlxscore.Config{
			NumFeatures: info.NumFeatures,
			NumActions:  info.NumActions,
			Hyperparams: cloneParams(trainerHyperparams),
		})
		must.M(err)
		return scorer
	}
	trainer := gomlxscore.NewTrainer(gomlxscore.TrainerConfig{
		NumFeatures: info.NumFeatures,
		NumActions:  info.NumActions,
		Hyperparams: trainerHyperparams,
	})

	loop := dcl.NewLoop(adapter, trainer, newScorer, genConfig, rng.System{GlobalSeed: *flagSeed}, dclConfig)
	final, err := loop.Run(ctx, warmStart, newSelector)
	if err != nil && ctx.Err() == nil {
		klog.Fatalf("training failed: %s", err)
	}
	klog.InfoS("training finished", "finalPolicy", final.TypeIdentifier())
}

func cloneParams(params config.Params) config.Params {
	out := make(config.Params, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
