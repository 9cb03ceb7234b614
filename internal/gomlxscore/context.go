// Package gomlxscore implements nnpolicy.ScoringFunction and dcl.Trainer on
// top of GoMLX, grounded on the teacher pack's internal/ai/gomlx model
// layer: a hyperparameter-carrying context.Context, graph.Exec executors
// for scoring/loss/training, and a checkpoints.Handler for persistence. The
// teacher's models score a Hive *state.Board; this package scores the
// engine's flat []float32 feature vectors instead, so there is a single
// trunk-plus-head network shape rather than per-game board embeddings.
package gomlxscore

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/kan"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"

	"github.com/dynaplexgo/dcl/config"
)

// newContext creates a context with the engine's default hyperparameters,
// the same families the teacher's FNN.CreateContext sets: optimizer,
// regularization, an FNN trunk and an optional KAN trunk.
func newContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"batch_size": 128,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    0.001,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
		activations.ParamActivation:     "sigmoid",
		layers.ParamDropoutRate:         0.0,
		regularizers.ParamL2:            1e-5,
		regularizers.ParamL1:            1e-5,

		fnn.ParamNumHiddenLayers: 1,
		fnn.ParamNumHiddenNodes:  16,
		fnn.ParamResidual:        true,
		fnn.ParamNormalization:   "layer",

		"kan":                                 false,
		kan.ParamNumControlPoints:             20,
		kan.ParamNumHiddenNodes:               16,
		kan.ParamNumHiddenLayers:              1,
		kan.ParamBSplineDegree:                2,
		kan.ParamBSplineMagnitudeL1:           1e-5,
		kan.ParamBSplineMagnitudeL2:           0.0,
		kan.ParamDiscrete:                     false,
		kan.ParamDiscretePerturbation:         "triangular",
		kan.ParamDiscreteSoftness:             0.1,
		kan.ParamDiscreteSoftnessSchedule:     kan.SoftnessScheduleNone.String(),
		kan.ParamDiscreteSplitPointsTrainable: true,
		kan.ParamResidual:                     true,
	})
	return ctx
}

// applyHyperparams overwrites ctx's default hyperparameters with any
// matching keys popped out of params, the same reflective
// default-type-directed extraction the teacher's gomlx.extractParams does,
// adapted from parameters.Params to config.Params.
func applyHyperparams(ctx *context.Context, params config.Params) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := config.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, popErr := config.PopParamOr(params, key, defaultValue)
			if popErr != nil {
				err = errors.WithMessagef(popErr, "parsing %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, popErr := config.PopParamOr(params, key, defaultValue)
			if popErr != nil {
				err = errors.WithMessagef(popErr, "parsing %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, popErr := config.PopParamOr(params, key, defaultValue)
			if popErr != nil {
				err = errors.WithMessagef(popErr, "parsing %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, popErr := config.PopParamOr(params, key, defaultValue)
			if popErr != nil {
				err = errors.WithMessagef(popErr, "parsing %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q has unsupported default type %T", key, defaultValue)
		}
	})
	return err
}
