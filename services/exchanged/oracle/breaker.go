package oracle

import "math/big"

const bpsDenominator = 10_000

// DeviationBreaker trips when an observed amount strays from the expected
// amount by more than a basis-point threshold. A zero threshold disables it.
type DeviationBreaker struct {
	thresholdBps int64
}

// NewDeviationBreaker constructs a breaker with the given threshold.
func NewDeviationBreaker(thresholdBps int64) *DeviationBreaker {
	if thresholdBps < 0 {
		thresholdBps = 0
	}
	return &DeviationBreaker{thresholdBps: thresholdBps}
}

// DeviationAboveThreshold reports whether |observed-expected| exceeds the
// configured fraction of expected.
func (b *DeviationBreaker) DeviationAboveThreshold(observed, expected *big.Int) bool {
	if b == nil || b.thresholdBps <= 0 {
		return false
	}
	if expected == nil || expected.Sign() <= 0 {
		return false
	}
	value := new(big.Int)
	if observed != nil {
		value.Set(observed)
	}
	diff := new(big.Int).Sub(value, expected)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(bpsDenominator))
	limit := new(big.Int).Mul(expected, big.NewInt(b.thresholdBps))
	return diff.Cmp(limit) > 0
}
