// Command dcl-compare evaluates a set of policies against the lost-sales
// inventory MDP (examples/lostsales) using the Policy Comparer, printing a
// results table. Grounded on the teacher's cmd/compare/main.go flag/klog/
// must/SafeInterrupt shape, adapted from a head-to-head match runner to a
// paired-trajectories policy evaluation.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"context"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/comparer"
	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/examples/lostsales"
	"github.com/dynaplexgo/dcl/internal/gomlxscore"
	"github.com/dynaplexgo/dcl/internal/profilers"
	"github.com/dynaplexgo/dcl/internal/runctl"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/nnpolicy"
	"github.com/dynaplexgo/dcl/policy"
)

var (
	flagMDPConfig      = flag.String("mdp", "", "lost-sales MDP configuration, e.g. \"p=9,h=1,leadtime=4,mean_demand=5\".")
	flagPolicies       = flag.String("policies", "policy=basestock;policy=random", "Semicolon-separated policy configurations, e.g. \"policy=basestock,base_stock_level=20;nn:out/policy_gen10\".")
	flagComparerConfig = flag.String("comparer_config", "", "Policy Comparer configuration.")
	flagGracePeriod    = flag.Duration("grace_period", 10*time.Second, "How long to wait for a graceful shutdown after Ctrl+C before forcing exit.")
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

	policies := must.M1(buildPolicies(adapter, *flagPolicies))
	cfg := must.M1(comparer.ConfigFromParams(config.NewFromConfigString(*flagComparerConfig)))

	results, err := comparer.New(adapter, cfg).Compare(ctx, policies)
	if err != nil && ctx.Err() == nil {
		klog.Fatalf("comparison failed: %s", err)
	}
	printResults(results)
}

// buildPolicies parses semicolon-separated policy descriptors: either a
// config string understood by mdp.Adapter.GetPolicyFromConfig (a
// "policy=<id>,..." spec naming a rule-based or random policy), or
// "nn:<path>" to load a persisted GoMLX-backed policy.
func buildPolicies(adapter *mdp.Adapter, spec string) ([]policy.Policy, error) {
	var policies []policy.Policy
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if path, ok := strings.CutPrefix(part, "nn:"); ok {
			p, err := loadNNPolicy(adapter, path)
			if err != nil {
				return nil, errors.Wrapf(err, "loading %q", part)
			}
			policies = append(policies, p)
			continue
		}
		p, err := adapter.GetPolicyFromConfig(config.NewFromConfigString(part))
		if err != nil {
			return nil, errors.Wrapf(err, "building policy %q", part)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func loadNNPolicy(adapter *mdp.Adapter, path string) (policy.Policy, error) {
	id, numFeatures, numActions, cfg, err := nnpolicy.LoadMetadata(path)
	if err != nil {
		return nil, err
	}
	scorer, err := gomlxscore.New(gomlxscore.Config{NumFeatures: numFeatures, NumActions: numActions})
	if err != nil {
		return nil, err
	}
	if err := nnpolicy.LoadWeights(path, scorer); err != nil {
		return nil, err
	}
	return nnpolicy.New(adapter, scorer, id, cfg), nil
}

func printResults(results []comparer.Result) {
	w := os.Stdout
	for _, r := range results {
		fmt.Fprintf(w, "%-20s mean=%.4f", r.PolicyID, r.Mean)
		if r.HasStandardError {
			fmt.Fprintf(w, " (se=%.4f)", r.StandardError)
		}
		if r.HasMeanDifference {
			fmt.Fprintf(w, " diff=%.4f (se=%.4f, %.2f%%)", r.MeanDifference, r.MeanDifferenceSE, r.PercentageGap)
		}
		if r.HasAvoidableCost {
			fmt.Fprintf(w, " avoidable=%.4f (se=%.4f)", r.AvoidableMean, r.AvoidableStandardError)
		}
		for i, stat := range r.Statistics {
			fmt.Fprintf(w, " stat[%d]=%.4f", i, stat)
		}
		fmt.Fprintln(w)
	}
}
