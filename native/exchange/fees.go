package exchange

import "math/big"

// DynamicFeeResult reports the capped volatility fee alongside whether the
// uncapped value breached the configured ceiling.
type DynamicFeeResult struct {
	Fee         *big.Rat
	TooVolatile bool
}

// DynamicFee prices recent volatility for one asset. Samples are ordered most
// recent first, as returned by PriceHistory.SamplesForRounds. The walk runs
// from the oldest pair forward so older deviations decay exponentially: at
// each step the running fee is scaled by the decay weight and the relative
// deviation above the noise threshold is added.
//
// Degenerate inputs are safe: fewer than two samples yield a zero fee, and a
// zero previous price contributes nothing rather than dividing by zero.
func DynamicFee(samples []*big.Rat, cfg DynamicFeeConfig) DynamicFeeResult {
	result := DynamicFeeResult{Fee: new(big.Rat)}
	if !cfg.Enabled() || len(samples) < 2 {
		return result
	}
	threshold := cfg.threshold()
	decay := cfg.decay()
	fee := new(big.Rat)
	for i := len(samples) - 1; i > 0; i-- {
		previous := samples[i]
		current := samples[i-1]
		fee.Mul(fee, decay)
		deviation := relativeDeviation(current, previous)
		if deviation == nil {
			continue
		}
		deviation.Sub(deviation, threshold)
		if deviation.Sign() > 0 {
			fee.Add(fee, deviation)
		}
	}
	maxFee := cfg.maxFee()
	if fee.Cmp(maxFee) > 0 {
		result.Fee = maxFee
		result.TooVolatile = true
		return result
	}
	result.Fee = fee
	return result
}

// relativeDeviation computes |current-previous| / previous, returning nil when
// the previous price cannot anchor a ratio.
func relativeDeviation(current, previous *big.Rat) *big.Rat {
	if current == nil || previous == nil || previous.Sign() <= 0 {
		return nil
	}
	deviation := new(big.Rat).Sub(current, previous)
	if deviation.Sign() < 0 {
		deviation.Neg(deviation)
	}
	return deviation.Quo(deviation, previous)
}

// combinedDynamicFee sums the source and destination contributions, caps the
// combined value at the configured ceiling a second time, and treats either
// leg's volatility flag as contagious.
func combinedDynamicFee(src, dest DynamicFeeResult, cfg DynamicFeeConfig) DynamicFeeResult {
	combined := DynamicFeeResult{
		Fee:         new(big.Rat),
		TooVolatile: src.TooVolatile || dest.TooVolatile,
	}
	if src.Fee != nil {
		combined.Fee.Add(combined.Fee, src.Fee)
	}
	if dest.Fee != nil {
		combined.Fee.Add(combined.Fee, dest.Fee)
	}
	maxFee := cfg.maxFee()
	if combined.Fee.Cmp(maxFee) > 0 {
		combined.Fee = maxFee
	}
	return combined
}
