package exchange

import (
	"math/big"
	"testing"
)

func feeConfig() DynamicFeeConfig {
	return DynamicFeeConfig{
		ThresholdBps:   25,   // 0.25% noise floor
		WeightDecayBps: 9500, // 0.95 decay per round
		RoundsToSample: 6,
		MaxFeeBps:      500, // 5% ceiling
	}
}

func rats(values ...int64) []*big.Rat {
	out := make([]*big.Rat, len(values))
	for i, v := range values {
		out[i] = big.NewRat(v, 1)
	}
	return out
}

func TestDynamicFeeDegenerateInputs(t *testing.T) {
	cfg := feeConfig()
	for name, samples := range map[string][]*big.Rat{
		"empty":  nil,
		"single": rats(100),
	} {
		result := DynamicFee(samples, cfg)
		if result.Fee.Sign() != 0 || result.TooVolatile {
			t.Fatalf("%s: expected zero fee, got %+v", name, result)
		}
	}
}

func TestDynamicFeeZeroPreviousPriceContributesNothing(t *testing.T) {
	cfg := feeConfig()
	samples := []*big.Rat{big.NewRat(100, 1), big.NewRat(100, 1), new(big.Rat)}
	result := DynamicFee(samples, cfg)
	if result.Fee.Sign() != 0 || result.TooVolatile {
		t.Fatalf("expected zero fee on zero anchor price, got %+v", result)
	}
}

func TestDynamicFeeFlatPricesNoFee(t *testing.T) {
	result := DynamicFee(rats(100, 100, 100, 100), feeConfig())
	if result.Fee.Sign() != 0 || result.TooVolatile {
		t.Fatalf("expected zero fee for flat prices, got %+v", result)
	}
}

func TestDynamicFeeSingleDeviation(t *testing.T) {
	cfg := feeConfig()
	// Most recent price moved 1% over the previous round: the contribution is
	// 1% minus the 0.25% threshold.
	result := DynamicFee(rats(101, 100, 100), cfg)
	want := new(big.Rat).Sub(big.NewRat(1, 100), big.NewRat(25, 10_000))
	if result.Fee.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, result.Fee)
	}
	if result.TooVolatile {
		t.Fatalf("fee below cap must not flag volatility")
	}
}

func TestDynamicFeeOlderDeviationsDecay(t *testing.T) {
	cfg := feeConfig()
	// The same 1% move contributes less when it happened one round earlier.
	latest := DynamicFee(rats(101, 100, 100), cfg)
	older := DynamicFee(rats(101, 101, 100), cfg)
	if older.Fee.Cmp(latest.Fee) >= 0 {
		t.Fatalf("expected decayed fee %s < %s", older.Fee, latest.Fee)
	}
	// Exactly one decay step: contribution * 0.95.
	want := new(big.Rat).Mul(latest.Fee, big.NewRat(95, 100))
	if older.Fee.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, older.Fee)
	}
}

func TestDynamicFeeMonotoneInDeviation(t *testing.T) {
	cfg := feeConfig()
	calm := DynamicFee(rats(102, 101, 100), cfg)
	wild := DynamicFee(rats(110, 104, 100), cfg)
	if wild.Fee.Cmp(calm.Fee) < 0 {
		t.Fatalf("larger deviations must not price lower: %s < %s", wild.Fee, calm.Fee)
	}
}

func TestDynamicFeeCapAndFlag(t *testing.T) {
	cfg := feeConfig()
	// A 50% jump blows through the 5% cap.
	result := DynamicFee(rats(150, 100), cfg)
	if !result.TooVolatile {
		t.Fatalf("expected volatility flag")
	}
	if result.Fee.Cmp(cfg.maxFee()) != 0 {
		t.Fatalf("expected capped fee %s, got %s", cfg.maxFee(), result.Fee)
	}
	// At exactly the cap the flag stays clear.
	atCap := DynamicFee(rats(10525, 10000), cfg)
	want := new(big.Rat).Sub(big.NewRat(525, 10_000), big.NewRat(25, 10_000))
	if atCap.Fee.Cmp(want) != 0 || atCap.TooVolatile {
		t.Fatalf("expected uncapped fee %s without flag, got %+v", want, atCap)
	}
}

func TestCombinedDynamicFeeCapsAndTaints(t *testing.T) {
	cfg := feeConfig()
	src := DynamicFeeResult{Fee: big.NewRat(4, 100)}
	dest := DynamicFeeResult{Fee: big.NewRat(3, 100)}
	combined := combinedDynamicFee(src, dest, cfg)
	if combined.Fee.Cmp(cfg.maxFee()) != 0 {
		t.Fatalf("expected combined fee capped at %s, got %s", cfg.maxFee(), combined.Fee)
	}
	if combined.TooVolatile {
		t.Fatalf("cap alone must not taint the exchange")
	}
	tainted := combinedDynamicFee(DynamicFeeResult{Fee: new(big.Rat), TooVolatile: true}, dest, cfg)
	if !tainted.TooVolatile {
		t.Fatalf("either leg's flag must taint the combined result")
	}
}
