// Package sample defines the training example emitted by the Action
// Selector and consumed by the external network trainer.
package sample

import "math"

// Sample is one (features, per-action scores, chosen action) training
// record.
type Sample struct {
	// Features extracted from the pre-action state.
	Features []float32

	// ActionScores holds one estimated expected-return value per action
	// index. Pruned or disallowed actions hold NegInf.
	ActionScores []float32

	// ChosenAction is the action selector's pick -- the argmax of
	// ActionScores among evaluated actions.
	ChosenAction int

	// Promising, if non-nil, marks which actions the selector considered
	// (as opposed to pruning via SimulateOnlyPromisingActions).
	Promising []bool

	// SampleIndex is the monotonically assigned index in [0, N) this
	// sample was generated for; downstream code may use it to preserve or
	// discard generation order.
	SampleIndex int

	// Emit is true when the selector judged the chosen action's score gap
	// over the runners-up large enough (exceeding the selector's own
	// standard error) to be worth keeping as a training example.
	Emit bool
}

// NegInf is the sentinel score for pruned or disallowed actions.
var NegInf = float32(math.Inf(-1))

// NewActionScores returns a score vector of the given size, initialized to
// NegInf for every action (i.e. "unexplored").
func NewActionScores(numActions int) []float32 {
	scores := make([]float32, numActions)
	for i := range scores {
		scores[i] = NegInf
	}
	return scores
}
