package nnpolicy_test

import (
	"encoding/binary"
	"io"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/nnpolicy"
	"github.com/dynaplexgo/dcl/trajectory"
)

// trivialState/trivialModel is a three-action MDP that never leaves
// AwaitAction -- enough surface for exercising nnpolicy.Policy's batching
// and masking without needing a full transition model.
type trivialState struct {
	mdp.StateHeader
}

func (s *trivialState) Clone() trajectory.State { cp := *s; return &cp }

type trivialModel struct{}

func (m *trivialModel) StaticInfo() mdp.StaticInfo {
	return mdp.StaticInfo{NumActions: 3, NumFeatures: 2, NumEventStreams: 1, DiscountFactor: 1, Horizon: mdp.FiniteHorizon}
}
func (m *trivialModel) GetStateCategory(s mdp.State) trajectory.StateCategory {
	return trajectory.StateCategory{Kind: trajectory.AwaitAction}
}
func (m *trivialModel) AllowedActions(s mdp.State) iter.Seq[int] {
	return func(yield func(int) bool) {
		for a := 0; a < 3; a++ {
			if !yield(a) {
				return
			}
		}
	}
}
func (m *trivialModel) IsAllowedAction(s mdp.State, action int) bool { return action >= 0 && action < 3 }
func (m *trivialModel) ModifyStateWithAction(s mdp.State, action int) float64 { return 0 }
func (m *trivialModel) GetEvent(s mdp.State, r *rand.Rand) mdp.Event          { return struct{}{} }
func (m *trivialModel) ModifyStateWithEvent(s mdp.State, e mdp.Event) float64 { return 0 }
func (m *trivialModel) GetFeatures(s mdp.State) []float32                    { return []float32{1, 2} }
func (m *trivialModel) GetInitialState(r *rand.Rand) mdp.State               { return &trivialState{} }

// stubScorer returns a fixed, pre-configured score row for every trajectory
// in the batch, and optionally persists itself as a single float32.
type stubScorer struct {
	row   []float32
	value float32
}

func (s *stubScorer) Score(features []float32, mask []bool, batch int) ([]float32, error) {
	out := make([]float32, 0, batch*len(s.row))
	for i := 0; i < batch; i++ {
		out = append(out, s.row...)
	}
	return out, nil
}

func (s *stubScorer) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, s.value); err != nil {
		return 0, err
	}
	return 4, nil
}

func (s *stubScorer) ReadFrom(r io.Reader) (int64, error) {
	if err := binary.Read(r, binary.LittleEndian, &s.value); err != nil {
		return 0, err
	}
	return 4, nil
}

func newTrivialTrajectories(adapter *mdp.Adapter, n int) []*trajectory.Trajectory {
	trajs := make([]*trajectory.Trajectory, n)
	for i := range trajs {
		trajs[i] = trajectory.New(adapter.StaticInfo().NumEventStreams, int64(i))
	}
	if err := adapter.InitiateState(trajs); err != nil {
		panic(err)
	}
	return trajs
}

func TestPolicy_SetActionPicksArgmax(t *testing.T) {
	adapter := mdp.NewAdapter(&trivialModel{})
	scorer := &stubScorer{row: []float32{0.1, 9.9, 2.2}}
	pol := nnpolicy.New(adapter, scorer, "nn-test", config.Params{"lr": "0.01"})

	trajs := newTrivialTrajectories(adapter, 2)
	require.NoError(t, pol.SetAction(trajs))
	for _, tr := range trajs {
		require.Equal(t, 1, tr.NextAction)
	}
	require.Equal(t, "nn-test", pol.TypeIdentifier())
	require.Equal(t, config.Params{"lr": "0.01"}, pol.GetConfig())
}

func TestPolicy_SetActionRejectsNonAwaitAction(t *testing.T) {
	adapter := mdp.NewAdapter(&trivialModel{})
	scorer := &stubScorer{row: []float32{0, 0, 0}}
	pol := nnpolicy.New(adapter, scorer, "nn-test", config.Params{})

	trajs := newTrivialTrajectories(adapter, 1)
	trajs[0].SetCategory(trajectory.StateCategory{Kind: trajectory.AwaitEvent})
	require.Error(t, pol.SetAction(trajs))
}

func TestPolicy_SetActionRejectsForeignState(t *testing.T) {
	adapterA := mdp.NewAdapter(&trivialModel{})
	adapterB := mdp.NewAdapter(&trivialModel{})
	scorer := &stubScorer{row: []float32{0, 0, 0}}
	pol := nnpolicy.New(adapterA, scorer, "nn-test", config.Params{})

	trajs := newTrivialTrajectories(adapterB, 1)
	require.Error(t, pol.SetAction(trajs))
}

func TestPolicy_GetPromisingActionsOrdersByScoreDescending(t *testing.T) {
	adapter := mdp.NewAdapter(&trivialModel{})
	scorer := &stubScorer{row: []float32{5, 1, 9}}
	pol := nnpolicy.New(adapter, scorer, "nn-test", config.Params{})

	trajs := newTrivialTrajectories(adapter, 1)
	ranked, err := pol.GetPromisingActions(trajs[0].GetState(), 2)
	require.NoError(t, err)
	require.Equal(t, []int{2, 0}, ranked)
}

func TestPolicy_SaveAndLoadRoundTripsMetadataAndWeights(t *testing.T) {
	adapter := mdp.NewAdapter(&trivialModel{})
	scorer := &stubScorer{row: []float32{0, 0, 0}, value: 3.5}
	pol := nnpolicy.New(adapter, scorer, "nn-gen-7", config.Params{"k": "v"})

	path := filepath.Join(t.TempDir(), "policy")
	require.NoError(t, pol.Save(path))

	id, numFeatures, numActions, cfg, err := nnpolicy.LoadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, "nn-gen-7", id)
	require.Equal(t, 2, numFeatures)
	require.Equal(t, 3, numActions)
	require.Equal(t, config.Params{"k": "v"}, cfg)

	loaded := &stubScorer{}
	require.NoError(t, nnpolicy.LoadWeights(path, loaded))
	require.Equal(t, float32(3.5), loaded.value)

	_, err = os.Stat(path + ".weights")
	require.NoError(t, err)
}

func TestPolicy_LoadWeightsNoOpForNonPersistableScorer(t *testing.T) {
	err := nnpolicy.LoadWeights(filepath.Join(t.TempDir(), "missing"), nonPersistableScorer{})
	require.NoError(t, err)
}

type nonPersistableScorer struct{}

func (nonPersistableScorer) Score(features []float32, mask []bool, batch int) ([]float32, error) {
	return make([]float32, batch*3), nil
}
