package gomlxscore

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/nnpolicy"
	"github.com/dynaplexgo/dcl/sample"
)

// TrainerConfig fixes the network shape and training schedule a Trainer
// uses for every generation; Hyperparams is never mutated in place (each
// Train call gets its own copy), since config.PopParamOr consumes keys out
// of the map it's given.
type TrainerConfig struct {
	NumFeatures int
	NumActions  int
	Hyperparams config.Params
	Epochs      int
}

// Trainer implements dcl.Trainer: each generation it builds a fresh
// Scorer and fits it by minibatch gradient descent against the Action
// Selector's per-sample action-score labels, grounded on the teacher's
// Scorer.Learn trainStepExec loop.
type Trainer struct {
	cfg TrainerConfig
}

func NewTrainer(cfg TrainerConfig) *Trainer {
	return &Trainer{cfg: cfg}
}

// Train implements dcl.Trainer.
func (t *Trainer) Train(ctx context.Context, samples []sample.Sample) (nnpolicy.ScoringFunction, error) {
	emitted := make([]sample.Sample, 0, len(samples))
	for _, s := range samples {
		if s.Emit {
			emitted = append(emitted, s)
		}
	}
	if len(emitted) == 0 {
		emitted = samples
	}

	scorer, err := New(Config{
		NumFeatures: t.cfg.NumFeatures,
		NumActions:  t.cfg.NumActions,
		Hyperparams: cloneParams(t.cfg.Hyperparams),
	})
	if err != nil {
		return nil, err
	}

	epochs := t.cfg.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	batchSize := scorer.BatchSize()

	for epoch := 0; epoch < epochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var epochLoss float32
		var numBatches int
		for start := 0; start < len(emitted); start += batchSize {
			end := start + batchSize
			if end > len(emitted) {
				end = len(emitted)
			}
			features, labels, weights := t.packBatch(emitted[start:end], batchSize, scorer)
			loss, err := scorer.learn(features, labels, weights, batchSize)
			if err != nil {
				return nil, err
			}
			epochLoss += loss
			numBatches++
		}
		if numBatches > 0 {
			klog.V(2).InfoS("training epoch", "epoch", epoch, "meanLoss", epochLoss/float32(numBatches))
		}
	}
	return scorer, nil
}

// packBatch lays out up to batchSize samples row-major, zero-padding
// (with zero weight) any rows past len(batch) and any action whose label
// is sample.NegInf (unevaluated, so it must not pull the regression
// toward zero).
func (t *Trainer) packBatch(batch []sample.Sample, batchSize int, scorer *Scorer) (features, labels, weights []float32) {
	features = make([]float32, batchSize*scorer.numFeatures)
	labels = make([]float32, batchSize*scorer.numActions)
	weights = make([]float32, batchSize*scorer.numActions)

	for i, s := range batch {
		copy(features[i*scorer.numFeatures:], s.Features)
		for a, score := range s.ActionScores {
			if a >= scorer.numActions || score == sample.NegInf {
				continue
			}
			labels[i*scorer.numActions+a] = score
			weights[i*scorer.numActions+a] = 1
		}
	}
	return features, labels, weights
}

func cloneParams(params config.Params) config.Params {
	out := make(config.Params, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
