package dcl_test

import (
	"context"
	"io"
	"iter"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynaplexgo/dcl/dcl"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/nnpolicy"
	"github.com/dynaplexgo/dcl/policy"
	"github.com/dynaplexgo/dcl/rng"
	"github.com/dynaplexgo/dcl/sample"
	"github.com/dynaplexgo/dcl/samplegen"
	"github.com/dynaplexgo/dcl/selector"
	"github.com/dynaplexgo/dcl/trajectory"
)

// cycleState/cycleModel alternates AwaitAction/AwaitEvent forever (never
// Final), which is all the Sample Generator needs to keep producing
// decisions for the loop to train on.
type cycleState struct {
	mdp.StateHeader
	awaitingEvent bool
}

func (s *cycleState) Clone() trajectory.State { cp := *s; return &cp }

type cycleModel struct{ numActions int }

func (m *cycleModel) StaticInfo() mdp.StaticInfo {
	return mdp.StaticInfo{NumActions: m.numActions, NumFeatures: 1, NumEventStreams: 1, DiscountFactor: 1, Horizon: mdp.FiniteHorizon}
}
func (m *cycleModel) GetStateCategory(s mdp.State) trajectory.StateCategory {
	if s.(*cycleState).awaitingEvent {
		return trajectory.StateCategory{Kind: trajectory.AwaitEvent}
	}
	return trajectory.StateCategory{Kind: trajectory.AwaitAction}
}
func (m *cycleModel) AllowedActions(s mdp.State) iter.Seq[int] {
	return func(yield func(int) bool) {
		for a := 0; a < m.numActions; a++ {
			if !yield(a) {
				return
			}
		}
	}
}
func (m *cycleModel) IsAllowedAction(s mdp.State, action int) bool {
	return action >= 0 && action < m.numActions
}
func (m *cycleModel) ModifyStateWithAction(s mdp.State, action int) float64 {
	s.(*cycleState).awaitingEvent = true
	return float64(action)
}
func (m *cycleModel) GetEvent(s mdp.State, r *rand.Rand) mdp.Event { return struct{}{} }
func (m *cycleModel) ModifyStateWithEvent(s mdp.State, e mdp.Event) float64 {
	s.(*cycleState).awaitingEvent = false
	return 0
}
func (m *cycleModel) GetFeatures(s mdp.State) []float32  { return []float32{0} }
func (m *cycleModel) GetInitialState(r *rand.Rand) mdp.State { return &cycleState{} }

// advisedModel wraps cycleModel with a HyperparameterAdvisor that reports a
// fixed, distinctive hyperparameter set and counts how many times it was
// consulted, to confirm Run resolves advice exactly once per generation
// rather than never, or once per decision.
type advisedModel struct {
	cycleModel
	calls atomic.Int32
}

func (m *advisedModel) GetL(s mdp.State) int                 { m.calls.Add(1); return 3 }
func (m *advisedModel) GetH(s mdp.State) int                 { return 7 }
func (m *advisedModel) GetM(s mdp.State) int                 { return 11 }
func (m *advisedModel) GetReinitiateCounter(s mdp.State) int { return 13 }

// stubScorer is a ScoringFunction that always picks action 0 and persists
// itself as a generation tag, so a resumed/reloaded policy can be told
// apart from a freshly trained one.
type stubScorer struct {
	tag int32
}

func (s *stubScorer) Score(features []float32, mask []bool, batch int) ([]float32, error) {
	numActions := 0
	if batch > 0 {
		numActions = len(mask) / batch
	}
	out := make([]float32, batch*numActions)
	for i := 0; i < batch; i++ {
		out[i*numActions] = 1 // action 0 always wins
	}
	return out, nil
}

func (s *stubScorer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write([]byte{byte(s.tag)})
	return int64(n), err
}

func (s *stubScorer) ReadFrom(r io.Reader) (int64, error) {
	b := make([]byte, 1)
	n, err := r.Read(b)
	if err != nil {
		return int64(n), err
	}
	s.tag = int32(b[0])
	return int64(n), nil
}

// countingTrainer records how many times Train is invoked and stamps each
// produced scorer with the call count, so tests can tell which generations
// were actually retrained.
type countingTrainer struct {
	calls atomic.Int32
}

func (t *countingTrainer) Train(ctx context.Context, samples []sample.Sample) (nnpolicy.ScoringFunction, error) {
	n := t.calls.Add(1)
	return &stubScorer{tag: n}, nil
}

// testFixture bundles one shared adapter, warm-start policy and selector
// factory, so generations produced by one Loop can be resumed or inspected
// by another without crossing adapter identities.
type testFixture struct {
	adapter     *mdp.Adapter
	warmStart   policy.Policy
	newSelector dcl.SelectorFactory
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	adapter := mdp.NewAdapter(&cycleModel{numActions: 2})
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	return &testFixture{
		adapter:   adapter,
		warmStart: warmStart,
		newSelector: func(warmStart policy.Policy) selector.Selector {
			return selector.NewUniform(adapter, warmStart, selector.Config{})
		},
	}
}

func (f *testFixture) newLoop(trainer dcl.Trainer, outputPrefix string, cfg dcl.Config) *dcl.Loop {
	cfg.OutputPathPrefix = outputPrefix
	genConfig := samplegen.Config{M: 2, H: 1, Workers: 1, DrivingPoolSize: 1}
	return dcl.NewLoop(f.adapter, trainer, func() nnpolicy.ScoringFunction { return &stubScorer{} }, genConfig, rng.System{GlobalSeed: 1}, cfg)
}

func TestLoop_RunProducesGenerationsAndPersists(t *testing.T) {
	f := newTestFixture(t)
	trainer := &countingTrainer{}
	prefix := filepath.Join(t.TempDir(), "policy")
	loop := f.newLoop(trainer, prefix, dcl.Config{NumGens: 2, N: 4})

	final, err := loop.Run(context.Background(), f.warmStart, f.newSelector)
	require.NoError(t, err)
	require.Equal(t, "nn-gen-2", final.TypeIdentifier())
	require.EqualValues(t, 2, trainer.calls.Load())
}

func TestLoop_RunResumesFromPersistedGeneration(t *testing.T) {
	f := newTestFixture(t)
	prefix := filepath.Join(t.TempDir(), "policy")

	trainerA := &countingTrainer{}
	_, err := f.newLoop(trainerA, prefix, dcl.Config{NumGens: 1, N: 4}).Run(context.Background(), f.warmStart, f.newSelector)
	require.NoError(t, err)

	trainerB := &countingTrainer{}
	loopB := f.newLoop(trainerB, prefix, dcl.Config{NumGens: 2, N: 4, ResumeGen: 2})
	final, err := loopB.Run(context.Background(), f.warmStart, f.newSelector)
	require.NoError(t, err)
	require.Equal(t, "nn-gen-2", final.TypeIdentifier())
	require.EqualValues(t, 1, trainerB.calls.Load())
}

func TestLoop_RunRetrainLastGenOnlySkipsExistingGenerations(t *testing.T) {
	f := newTestFixture(t)
	prefix := filepath.Join(t.TempDir(), "policy")

	trainerA := &countingTrainer{}
	_, err := f.newLoop(trainerA, prefix, dcl.Config{NumGens: 3, N: 4}).Run(context.Background(), f.warmStart, f.newSelector)
	require.NoError(t, err)
	require.EqualValues(t, 3, trainerA.calls.Load())

	trainerB := &countingTrainer{}
	loopB := f.newLoop(trainerB, prefix, dcl.Config{NumGens: 3, N: 4, RetrainLastGenOnly: true})
	final, err := loopB.Run(context.Background(), f.warmStart, f.newSelector)
	require.NoError(t, err)
	require.Equal(t, "nn-gen-3", final.TypeIdentifier())
	require.EqualValues(t, 1, trainerB.calls.Load())
}

func TestLoop_RunConsultsHyperparameterAdvisorOncePerGeneration(t *testing.T) {
	model := &advisedModel{cycleModel: cycleModel{numActions: 2}}
	adapter := mdp.NewAdapter(model)
	warmStart, err := adapter.GetPolicy("random")
	require.NoError(t, err)
	newSelector := func(warmStart policy.Policy) selector.Selector {
		return selector.NewUniform(adapter, warmStart, selector.Config{})
	}

	genConfig := samplegen.Config{M: 2, H: 1, Workers: 1, DrivingPoolSize: 1}
	trainer := &countingTrainer{}
	prefix := filepath.Join(t.TempDir(), "policy")
	loop := dcl.NewLoop(adapter, trainer, func() nnpolicy.ScoringFunction { return &stubScorer{} }, genConfig, rng.System{GlobalSeed: 1}, dcl.Config{NumGens: 3, N: 4, OutputPathPrefix: prefix})

	_, err = loop.Run(context.Background(), warmStart, newSelector)
	require.NoError(t, err)
	require.EqualValues(t, 3, model.calls.Load())
}

func TestLoop_RunRespectsContextCancellation(t *testing.T) {
	f := newTestFixture(t)
	trainer := &countingTrainer{}
	prefix := filepath.Join(t.TempDir(), "policy")
	loop := f.newLoop(trainer, prefix, dcl.Config{NumGens: 2, N: 4})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final, err := loop.Run(ctx, f.warmStart, f.newSelector)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, f.warmStart.TypeIdentifier(), final.TypeIdentifier())
	require.EqualValues(t, 0, trainer.calls.Load())
}
