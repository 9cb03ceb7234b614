package gomlxscore

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/kan"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dynaplexgo/dcl/config"
)

// backend is a process-wide singleton XLA client, the same pattern the
// teacher's gomlx package uses -- there is no benefit to one per Scorer,
// and GoMLX clients are expensive to set up.
var backend = sync.OnceValue(func() backends.Backend { return backends.New() })

// Config describes the fixed shape of the network: the feature and action
// counts an mdp.Adapter's StaticInfo reports, plus any hyperparameter
// overrides (e.g. "kan", "num_hidden_nodes", "learning_rate").
type Config struct {
	NumFeatures int
	NumActions  int
	Hyperparams config.Params
}

// Scorer implements nnpolicy.ScoringFunction and nnpolicy.Persistable: a
// single trunk-plus-head feed-forward (or KAN) network mapping a batch of
// flat feature rows to one score per action, trained by masked regression
// against the Action Selector's per-action return estimates.
type Scorer struct {
	ctx *context.Context

	numFeatures, numActions int
	batchSize               int

	scoreExec, lossExec, trainStepExec *context.Exec
	optimizer                          optimizers.Interface

	checkpointDir string

	// muLearning: write-lock while training (mutates variables), read-lock
	// while scoring, mirroring the teacher's Scorer.muLearning.
	muLearning sync.RWMutex
	muSave     sync.Mutex
}

// New builds an untrained Scorer with freshly initialized weights.
func New(cfg Config) (*Scorer, error) {
	if cfg.NumFeatures <= 0 || cfg.NumActions <= 0 {
		return nil, errors.Errorf("gomlxscore: NumFeatures and NumActions must be positive, got %d/%d", cfg.NumFeatures, cfg.NumActions)
	}
	ctx := newContext()
	if cfg.Hyperparams != nil {
		if err := applyHyperparams(ctx, cfg.Hyperparams); err != nil {
			return nil, err
		}
	}

	s := &Scorer{ctx: ctx, numFeatures: cfg.NumFeatures, numActions: cfg.NumActions}
	s.batchSize = context.GetParamOr(ctx, "batch_size", 128)
	s.optimizer = optimizers.FromContext(ctx)
	s.buildExecutors()

	// Force weight creation now, outside of any race with the first real
	// call, the same reason the teacher's New scores a dummy board first.
	if _, err := s.Score(make([]float32, cfg.NumFeatures), nil, 1); err != nil {
		return nil, errors.Wrap(err, "gomlxscore: initializing weights")
	}
	klog.V(1).InfoS("created scorer", "numFeatures", cfg.NumFeatures, "numActions", cfg.NumActions)
	return s, nil
}

// forwardGraph is the trunk-plus-head network: an embedding layer (FNN or,
// if the "kan" hyperparameter is set, a KAN layer) followed by a
// linear head of width numActions, ported from the teacher's
// AlphaZeroFNN.boardEmbedding/boardValues split but without the tanh squash
// the teacher applies -- returns here are unbounded, not a [-1, 1] game
// value.
func (s *Scorer) forwardGraph(ctx *context.Context, features *graph.Node) *graph.Node {
	trunk := ctx.In("trunk")
	embedDim := context.GetParamOr(trunk, fnn.ParamNumHiddenNodes, 16)
	var embed *graph.Node
	if context.GetParamOr(ctx, "kan", false) {
		embed = kan.New(trunk.In("kan"), features, embedDim).Done()
	} else {
		embed = fnn.New(trunk.In("fnn"), features, embedDim).Done()
	}

	head := ctx.In("head")
	if context.GetParamOr(ctx, "kan", false) {
		return kan.New(head.In("kan"), embed, s.numActions).NumHiddenLayers(0, 0).Done()
	}
	return fnn.New(head.In("fnn"), embed, s.numActions).NumHiddenLayers(0, 0).Done()
}

func (s *Scorer) buildExecutors() {
	checkedCtx := s.ctx.Checked(false)
	s.scoreExec = context.NewExec(backend(), checkedCtx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return s.forwardGraph(ctx, inputs[0])
		})
	s.lossExec = context.NewExec(backend(), checkedCtx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			features, labels, weights := inputs[0], inputs[1], inputs[2]
			predicted := s.forwardGraph(ctx, features)
			loss := losses.MeanSquaredError([]*graph.Node{labels, weights}, []*graph.Node{predicted})
			if !loss.IsScalar() {
				loss = graph.ReduceAllMean(loss)
			}
			return loss
		})
	s.trainStepExec = context.NewExec(backend(), s.ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			features, labels, weights := inputs[0], inputs[1], inputs[2]
			g := features.Graph()
			ctx.SetTraining(g, true)
			predicted := s.forwardGraph(ctx, features)
			loss := losses.MeanSquaredError([]*graph.Node{labels, weights}, []*graph.Node{predicted})
			if !loss.IsScalar() {
				loss = graph.ReduceAllMean(loss)
			}
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
}

// Score implements nnpolicy.ScoringFunction. Disallowed actions (mask[i] ==
// false) are overwritten with a large negative sentinel on the host side,
// the same role the teacher's in-graph getMask/Where masking plays for
// padded batch rows, just applied to padded/disallowed action columns
// instead.
func (s *Scorer) Score(features []float32, mask []bool, batch int) ([]float32, error) {
	if batch <= 0 {
		return nil, errors.New("gomlxscore: batch must be positive")
	}
	if len(features) != batch*s.numFeatures {
		return nil, errors.Errorf("gomlxscore: features has length %d, want %d", len(features), batch*s.numFeatures)
	}

	inputT := tensors.FromShape(shapes.Make(dtypes.Float32, batch, s.numFeatures))
	tensors.MutableFlatData(inputT, func(flat []float32) { copy(flat, features) })

	s.muLearning.RLock()
	resultT := s.scoreExec.Call(graph.DonateTensorBuffer(inputT, backend()))[0]
	s.muLearning.RUnlock()

	scores := tensors.CopyFlatData[float32](resultT)
	if len(mask) == batch*s.numActions {
		const disallowed = float32(-1e30)
		for i, allowed := range mask {
			if !allowed {
				scores[i] = disallowed
			}
		}
	}
	return scores, nil
}

// learn runs one gradient step over a fixed-size minibatch. weights holds
// 1 for labeled (evaluated) actions and 0 for sample.NegInf placeholders,
// so unevaluated actions contribute nothing to the loss.
func (s *Scorer) learn(features, labels, weights []float32, batch int) (float32, error) {
	featuresT := tensors.FromShape(shapes.Make(dtypes.Float32, batch, s.numFeatures))
	tensors.MutableFlatData(featuresT, func(flat []float32) { copy(flat, features) })
	labelsT := tensors.FromShape(shapes.Make(dtypes.Float32, batch, s.numActions))
	tensors.MutableFlatData(labelsT, func(flat []float32) { copy(flat, labels) })
	weightsT := tensors.FromShape(shapes.Make(dtypes.Float32, batch, s.numActions))
	tensors.MutableFlatData(weightsT, func(flat []float32) { copy(flat, weights) })

	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	lossT := s.trainStepExec.Call(
		graph.DonateTensorBuffer(featuresT, backend()),
		graph.DonateTensorBuffer(labelsT, backend()),
		graph.DonateTensorBuffer(weightsT, backend()),
	)[0]
	return tensors.ToScalar[float32](lossT), nil
}

// BatchSize is the hyperparameter-configured minibatch size a Trainer
// should group samples into.
func (s *Scorer) BatchSize() int { return s.batchSize }

// createCheckpoint points ctx's variables at dir, loading any weights
// already saved there (checkpoints.Build's Done() loads existing state
// transparently, the same as the teacher's createCheckpoint).
func (s *Scorer) createCheckpoint(dir string) (*checkpoints.Handler, error) {
	return checkpoints.Build(s.ctx).Dir(dir).Immediate().Keep(1).Done()
}
