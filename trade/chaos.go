package trade

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"
)

// Bounds for the chaos draw, per round: leverage in [1.0, 20.0] step
// 0.1, position-size-percent in [10, 100] step 0.1.
const (
	minLeverage  = 1.0
	maxLeverage  = 20.0
	minPositionPct = 10.0
	maxPositionPct = 100.0
	chaosStep    = 0.1
)

// ChaosSource draws a (leverage, positionSizePercent) pair for one
// round's trade. seed is run_numeric_id XOR round; a deterministic
// source uses it to reproduce a prior draw for replay, a chaotic
// source ignores it in favor of real entropy.
type ChaosSource interface {
	Draw(seed uint64) (leverage, positionSizePercent decimal.Decimal)
}

// Seed combines the run's numeric id with the round number into the
// chaos seed, per the published replay contract.
func Seed(runNumericID uint64, round int) uint64 {
	return runNumericID ^ uint64(round)
}

// DeterministicChaos reproduces the exact draw for a given seed,
// letting operators replay a run's trade history byte-for-byte.
type DeterministicChaos struct{}

func (DeterministicChaos) Draw(seed uint64) (decimal.Decimal, decimal.Decimal) {
	r := rand.New(rand.NewSource(int64(seed)))
	return draw(r)
}

// ChaoticChaos is the default, non-reproducible production source:
// every draw pulls fresh entropy regardless of seed.
type ChaoticChaos struct{}

func (ChaoticChaos) Draw(seed uint64) (decimal.Decimal, decimal.Decimal) {
	r := rand.New(rand.NewSource(rand.Int63()))
	return draw(r)
}

func draw(r *rand.Rand) (decimal.Decimal, decimal.Decimal) {
	leverage := quantize(minLeverage+r.Float64()*(maxLeverage-minLeverage), chaosStep)
	positionPct := quantize(minPositionPct+r.Float64()*(maxPositionPct-minPositionPct), chaosStep)
	return decimal.NewFromFloat(leverage), decimal.NewFromFloat(positionPct)
}

func quantize(v, step float64) float64 {
	return math.Round(v/step) * step
}
