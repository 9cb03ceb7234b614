// Package nnpolicy wraps an opaque, inference-only ScoringFunction (the
// engine's one contractual "opaque dependency" onto the external network
// trainer) as a policy.Policy, grounded on the teacher's
// internal/ai/gomlx/policyscorer.go batched-inference shape and
// internal/ai/policyproxy.go's wrapping of a scorer as a policy-like type.
package nnpolicy

import (
	"github.com/dynaplexgo/dcl/config"
	"github.com/dynaplexgo/dcl/dclerr"
	"github.com/dynaplexgo/dcl/mdp"
	"github.com/dynaplexgo/dcl/trajectory"
)

// ScoringFunction is the inference-only contract a trained network (or any
// other action-scoring backend) must satisfy. features is a row-major
// [batch, numFeatures] buffer; mask, if non-nil, is a row-major
// [batch, numActions] legality mask the backend may use to skip scoring
// disallowed actions. The returned scores are row-major [batch, numActions],
// with disallowed actions free to hold any value -- SetArgMaxAction always
// re-checks legality itself.
type ScoringFunction interface {
	Score(features []float32, mask []bool, batch int) (scores []float32, err error)
}

// Policy wraps a ScoringFunction as a policy.Policy bound to one specific
// mdp.Adapter instance.
type Policy struct {
	adapter *mdp.Adapter
	scorer  ScoringFunction
	cfg     config.Params
	id      string
}

// New builds a Policy. id is reported by TypeIdentifier (e.g. "nn-gen-7"),
// typically including the generation number so persisted comparer output
// can tell generations apart.
func New(adapter *mdp.Adapter, scorer ScoringFunction, id string, cfg config.Params) *Policy {
	return &Policy{adapter: adapter, scorer: scorer, cfg: cfg, id: id}
}

func (p *Policy) TypeIdentifier() string { return p.id }

func (p *Policy) GetConfig() config.Params { return p.cfg }

// SetAction batches every AwaitAction trajectory into one inference call.
func (p *Policy) SetAction(trajs []*trajectory.Trajectory) error {
	if len(trajs) == 0 {
		return nil
	}
	info := p.adapter.StaticInfo()
	for _, t := range trajs {
		if t.Category.Kind != trajectory.AwaitAction {
			return &dclerr.StateError{Component: "nnpolicy.Policy", Operation: "SetAction", Got: t.Category.Kind.String(), Want: trajectory.AwaitAction.String()}
		}
		if err := p.adapter.CheckIdentity(t.GetState()); err != nil {
			return err
		}
	}

	features := make([]float32, len(trajs)*info.NumFeatures)
	if err := p.adapter.GetFlatFeaturesTrajectories(trajs, features); err != nil {
		return err
	}
	mask := make([]bool, len(trajs)*info.NumActions)
	if err := p.adapter.GetMaskTrajectories(trajs, mask); err != nil {
		return err
	}

	scores, err := p.scorer.Score(features, mask, len(trajs))
	if err != nil {
		return err
	}
	if len(scores) != len(trajs)*info.NumActions {
		return &dclerr.ContractError{Component: "nnpolicy.Policy", Capability: "ScoringFunction returns one row per trajectory"}
	}

	rows := make([][]float32, len(trajs))
	for i := range trajs {
		rows[i] = scores[i*info.NumActions : (i+1)*info.NumActions]
	}
	return p.adapter.SetArgMaxAction(trajs, rows)
}

// GetPromisingActions scores s in isolation and returns the top-k allowed
// actions by score, descending, ties broken toward the lowest index (the
// same rule SetArgMaxAction applies, kept consistent here).
func (p *Policy) GetPromisingActions(s trajectory.State, k int) ([]int, error) {
	if err := p.adapter.CheckIdentity(s); err != nil {
		return nil, err
	}
	info := p.adapter.StaticInfo()

	features := make([]float32, info.NumFeatures)
	if err := p.adapter.GetFlatFeaturesState(s, features); err != nil {
		return nil, err
	}
	mask := make([]bool, info.NumActions)
	if err := p.adapter.GetMaskState(s, mask); err != nil {
		return nil, err
	}

	scores, err := p.scorer.Score(features, mask, 1)
	if err != nil {
		return nil, err
	}
	if len(scores) != info.NumActions {
		return nil, &dclerr.ContractError{Component: "nnpolicy.Policy", Capability: "ScoringFunction returns NumActions scores for a single state"}
	}

	allowed := p.adapter.AllowedActions(s)
	ranked := append([]int(nil), allowed...)
	// Simple insertion sort by descending score, stable on ties toward the
	// lowest original index; the candidate sets here are small (one
	// decision's action space), so an O(n^2) sort keeps the code simple.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && less(scores, ranked[j], ranked[j-1]); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if k > 0 && k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// less reports whether action a should rank ahead of action b: higher
// score first, lower index breaking ties.
func less(scores []float32, a, b int) bool {
	if scores[a] != scores[b] {
		return scores[a] > scores[b]
	}
	return a < b
}
