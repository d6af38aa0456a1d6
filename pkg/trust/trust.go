// Package trust computes the TAES trust metrics for role outputs: the
// integrity vector (IV), the ideal-reality disparity (IRD) and the
// resulting reality-review-protocol flag.
package trust

import (
	"math"

	"github.com/Ledgerline-Labs/keel/pkg/config"
)

// RRPThreshold is the fixed IRD level above which a reality review is
// required.
const RRPThreshold = 0.5

// Scores are the three normalized sub-scores in [0,1].
type Scores struct {
	Logical   float64 `json:"logical"`
	Practical float64 `json:"practical"`
	Probable  float64 `json:"probable"`
}

// TrustScore is the computed trust state for one role output. Neutral marks
// scores produced by the fallback when judge output was unusable.
type TrustScore struct {
	IntegrityVector float64 `json:"integrity_vector"`
	IRD             float64 `json:"ird"`
	RequiresRRP     bool    `json:"requires_rrp"`
	NoGo            bool    `json:"no_go"`
	Scores          Scores  `json:"scores"`
	Neutral         bool    `json:"neutral,omitempty"`
}

// Compute derives IV and IRD from normalized sub-scores under the domain
// weight vector.
//
// IRD is |logical - probable|: the gap between how sound the output is in
// theory and how likely it is to survive contact with reality. A high gap
// means great on paper, fails in real life.
func Compute(s Scores, w config.Weight) TrustScore {
	iv := s.Logical*w.Logical + s.Practical*w.Practical + s.Probable*w.Probable
	ird := math.Abs(s.Logical - s.Probable)
	ird = round3(ird)
	return TrustScore{
		IntegrityVector: round3(iv),
		IRD:             ird,
		RequiresRRP:     ird > RRPThreshold,
		Scores:          s,
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
