package exchange

import (
	"math/big"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

const sampleConfig = `
BaseAsset = "susd"
FeeSink = "fee-pool"
WaitingPeriodSeconds = 360
DefaultFeeBps = 30
AtomicMaxVolume = "2_000_000"
AtomicVolumeWindowSeconds = 600

[[AssetFees]]
Asset = "seth"
FeeBps = 25
AtomicBps = 40

[[AssetFees]]
Asset = "SBTC"
FeeBps = 50

[[AssetFees]]
Asset = "seth"
FeeBps = 999

[DynamicFee]
ThresholdBps = 25
WeightDecayBps = 9500
RoundsToSample = 6
MaxFeeBps = 500

[AtomicDynamicFee]
ThresholdBps = 30
WeightDecayBps = 9500
RoundsToSample = 10
MaxFeeBps = 300
`

func TestConfigParameters(t *testing.T) {
	var cfg Config
	if _, err := toml.Decode(sampleConfig, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	params, err := cfg.Parameters()
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if params.BaseAsset != "SUSD" {
		t.Fatalf("expected upper-cased base asset, got %q", params.BaseAsset)
	}
	if params.FeeSink != "fee-pool" {
		t.Fatalf("unexpected fee sink %q", params.FeeSink)
	}
	if params.WaitingPeriod != 6*time.Minute {
		t.Fatalf("unexpected waiting period %v", params.WaitingPeriod)
	}
	if params.AtomicVolumeWindow != 10*time.Minute {
		t.Fatalf("unexpected volume window %v", params.AtomicVolumeWindow)
	}
	if params.AtomicMaxVolume == nil || params.AtomicMaxVolume.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("unexpected volume cap %v", params.AtomicMaxVolume)
	}
	// The duplicate SETH override loses to the first occurrence.
	if got := params.FeeBpsFor("SETH"); got != 25 {
		t.Fatalf("expected 25 bps for SETH, got %d", got)
	}
	if got := params.FeeBpsFor("sbtc"); got != 50 {
		t.Fatalf("expected 50 bps for SBTC, got %d", got)
	}
	if got := params.FeeBpsFor("SAUD"); got != 30 {
		t.Fatalf("expected default 30 bps, got %d", got)
	}
	if got := params.AtomicFeeBpsFor("SETH"); got != 40 {
		t.Fatalf("expected atomic override 40 bps, got %d", got)
	}
	// SBTC has no atomic override and falls back to its standard fee.
	if got := params.AtomicFeeBpsFor("SBTC"); got != 50 {
		t.Fatalf("expected atomic fallback 50 bps, got %d", got)
	}
	if params.DynamicFee.RoundsToSample != 6 || !params.DynamicFee.Enabled() {
		t.Fatalf("unexpected dynamic fee config %+v", params.DynamicFee)
	}
	if params.AtomicDynamicFee.MaxFeeBps != 300 {
		t.Fatalf("unexpected atomic dynamic fee config %+v", params.AtomicDynamicFee)
	}
}

func TestConfigParametersRejectsInvalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base asset", func(c *Config) { c.BaseAsset = "  " }},
		{"fee above denominator", func(c *Config) { c.DefaultFeeBps = 10_001 }},
		{"negative volume cap", func(c *Config) { c.AtomicMaxVolume = "-5" }},
		{"garbage volume cap", func(c *Config) { c.AtomicMaxVolume = "lots" }},
		{"decay above denominator", func(c *Config) { c.DynamicFee.WeightDecayBps = 10_001 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{BaseAsset: "SUSD"}
			tc.mutate(&cfg)
			if _, err := cfg.Parameters(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParamsCloneIsDeep(t *testing.T) {
	params := Params{
		BaseAsset:       "SUSD",
		AssetFeeBps:     map[Asset]uint64{"SETH": 25},
		AtomicMaxVolume: big.NewInt(1000),
	}
	clone := params.Clone()
	clone.AssetFeeBps["SETH"] = 99
	clone.AtomicMaxVolume.SetInt64(5)
	if params.AssetFeeBps["SETH"] != 25 {
		t.Fatalf("clone aliased the fee map")
	}
	if params.AtomicMaxVolume.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("clone aliased the volume cap")
	}
}

func TestParseBaseUnitAmount(t *testing.T) {
	amount, err := parseBaseUnitAmount("1_250_000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if amount.Cmp(big.NewInt(1_250_000)) != 0 {
		t.Fatalf("unexpected amount %s", amount)
	}
	if _, err := parseBaseUnitAmount("-1"); err == nil {
		t.Fatalf("expected negative rejection")
	}
	if amount, err := parseBaseUnitAmount("   "); err != nil || amount.Sign() != 0 {
		t.Fatalf("expected zero for blank input, got %s %v", amount, err)
	}
}
