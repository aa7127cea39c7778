package rating

import "math"

const (
	// Baseline is the rating every player starts from.
	Baseline = 1000

	// KFactor is the fixed Elo K constant.
	KFactor = 32.0
)

// Score is the actual score of one side of a resolved duel.
type Score float64

const (
	Loss Score = 0
	Draw Score = 0.5
	Win  Score = 1
)

// Expected is the Elo expected score of a rated player against b.
func Expected(a, b int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(b-a)/400.0))
}

// Update applies one result to both ratings and returns the new pair. sa is
// a's actual score; b receives the complement. Ratings stay integers,
// rounded half away from zero.
func Update(a, b int, sa Score) (int, int) {
	ea := Expected(a, b)
	eb := 1.0 - ea
	sb := 1.0 - float64(sa)

	return a + round(KFactor*(float64(sa)-ea)),
		b + round(KFactor*(sb-eb))
}

func round(x float64) int {
	return int(math.Round(x))
}
