package exchange

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

const bpsDenominator = 10_000

// DynamicFeeConfig tunes the volatility fee curve for an asset. Threshold and
// decay are expressed in basis points of 10_000; the decay scales the running
// fee before each new deviation sample is added.
type DynamicFeeConfig struct {
	ThresholdBps   uint64
	WeightDecayBps uint64
	RoundsToSample int
	MaxFeeBps      uint64
}

// Enabled reports whether the curve will contribute a fee at all.
func (c DynamicFeeConfig) Enabled() bool {
	return c.RoundsToSample > 1 && c.MaxFeeBps > 0
}

func (c DynamicFeeConfig) threshold() *big.Rat {
	return big.NewRat(int64(c.ThresholdBps), bpsDenominator)
}

func (c DynamicFeeConfig) decay() *big.Rat {
	return big.NewRat(int64(c.WeightDecayBps), bpsDenominator)
}

func (c DynamicFeeConfig) maxFee() *big.Rat {
	return big.NewRat(int64(c.MaxFeeBps), bpsDenominator)
}

// Params is the immutable runtime parameter snapshot consumed by the engine.
// Updates replace the whole snapshot; nothing mutates a live Params in place.
type Params struct {
	BaseAsset          Asset
	FeeSink            string
	WaitingPeriod      time.Duration
	DefaultFeeBps      uint64
	AssetFeeBps        map[Asset]uint64
	AtomicFeeBps       map[Asset]uint64
	DynamicFee         DynamicFeeConfig
	AtomicDynamicFee   DynamicFeeConfig
	AtomicMaxVolume    *big.Int
	AtomicVolumeWindow time.Duration
}

// FeeBpsFor resolves the static fee charged when converting into the asset.
func (p Params) FeeBpsFor(asset Asset) uint64 {
	if bps, ok := p.AssetFeeBps[NormaliseAsset(asset)]; ok {
		return bps
	}
	return p.DefaultFeeBps
}

// AtomicFeeBpsFor resolves the static fee for the atomic path, falling back to
// the standard schedule when no atomic override is configured.
func (p Params) AtomicFeeBpsFor(asset Asset) uint64 {
	if bps, ok := p.AtomicFeeBps[NormaliseAsset(asset)]; ok {
		return bps
	}
	return p.FeeBpsFor(asset)
}

// Clone returns a deep copy so callers can derive an updated snapshot without
// aliasing the maps or the volume cap of the live one.
func (p Params) Clone() Params {
	clone := p
	clone.AssetFeeBps = cloneBpsMap(p.AssetFeeBps)
	clone.AtomicFeeBps = cloneBpsMap(p.AtomicFeeBps)
	if p.AtomicMaxVolume != nil {
		clone.AtomicMaxVolume = new(big.Int).Set(p.AtomicMaxVolume)
	}
	return clone
}

func cloneBpsMap(src map[Asset]uint64) map[Asset]uint64 {
	if src == nil {
		return nil
	}
	out := make(map[Asset]uint64, len(src))
	for asset, bps := range src {
		out[NormaliseAsset(asset)] = bps
	}
	return out
}

// Validate verifies the snapshot holds sane values before the engine adopts it.
func (p Params) Validate() error {
	if NormaliseAsset(p.BaseAsset) == "" {
		return fmt.Errorf("exchange: base asset required")
	}
	if p.WaitingPeriod < 0 {
		return fmt.Errorf("exchange: waiting period must not be negative")
	}
	if p.DefaultFeeBps > bpsDenominator {
		return fmt.Errorf("exchange: default fee must not exceed %d bps", bpsDenominator)
	}
	for asset, bps := range p.AssetFeeBps {
		if bps > bpsDenominator {
			return fmt.Errorf("exchange: fee for %s must not exceed %d bps", asset, bpsDenominator)
		}
	}
	for asset, bps := range p.AtomicFeeBps {
		if bps > bpsDenominator {
			return fmt.Errorf("exchange: atomic fee for %s must not exceed %d bps", asset, bpsDenominator)
		}
	}
	for _, cfg := range []DynamicFeeConfig{p.DynamicFee, p.AtomicDynamicFee} {
		if cfg.WeightDecayBps > bpsDenominator {
			return fmt.Errorf("exchange: dynamic fee decay must not exceed %d bps", bpsDenominator)
		}
		if cfg.MaxFeeBps > bpsDenominator {
			return fmt.Errorf("exchange: dynamic fee cap must not exceed %d bps", bpsDenominator)
		}
		if cfg.RoundsToSample < 0 {
			return fmt.Errorf("exchange: rounds to sample must not be negative")
		}
	}
	if p.AtomicMaxVolume != nil && p.AtomicMaxVolume.Sign() < 0 {
		return fmt.Errorf("exchange: atomic volume cap must not be negative")
	}
	if p.AtomicVolumeWindow < 0 {
		return fmt.Errorf("exchange: atomic volume window must not be negative")
	}
	return nil
}

// AssetFeeConfig models a per-asset static fee override parsed from configuration.
type AssetFeeConfig struct {
	Asset     string `toml:"Asset"`
	FeeBps    uint64 `toml:"FeeBps"`
	AtomicBps uint64 `toml:"AtomicBps"`
}

// DynamicFeeSection models the volatility fee curve parsed from configuration.
type DynamicFeeSection struct {
	ThresholdBps   uint64 `toml:"ThresholdBps"`
	WeightDecayBps uint64 `toml:"WeightDecayBps"`
	RoundsToSample int    `toml:"RoundsToSample"`
	MaxFeeBps      uint64 `toml:"MaxFeeBps"`
}

// Config captures operator-defined exchange parameters parsed from configuration.
type Config struct {
	BaseAsset             string            `toml:"BaseAsset"`
	FeeSink               string            `toml:"FeeSink"`
	WaitingPeriodSeconds  int64             `toml:"WaitingPeriodSeconds"`
	DefaultFeeBps         uint64            `toml:"DefaultFeeBps"`
	AssetFees             []AssetFeeConfig  `toml:"AssetFees"`
	DynamicFee            DynamicFeeSection `toml:"DynamicFee"`
	AtomicDynamicFee      DynamicFeeSection `toml:"AtomicDynamicFee"`
	AtomicMaxVolume       string            `toml:"AtomicMaxVolume"`
	AtomicVolumeWindowSec int64             `toml:"AtomicVolumeWindowSeconds"`
}

// Normalise trims whitespace, removes duplicate asset overrides, and applies
// canonical casing to defensive copies.
func (c Config) Normalise() Config {
	cfg := c
	cfg.BaseAsset = strings.ToUpper(strings.TrimSpace(c.BaseAsset))
	cfg.FeeSink = strings.TrimSpace(c.FeeSink)
	cfg.AtomicMaxVolume = strings.TrimSpace(c.AtomicMaxVolume)
	if c.WaitingPeriodSeconds < 0 {
		cfg.WaitingPeriodSeconds = 0
	}
	if c.AtomicVolumeWindowSec < 0 {
		cfg.AtomicVolumeWindowSec = 0
	}
	if len(c.AssetFees) > 0 {
		seen := make(map[string]struct{}, len(c.AssetFees))
		fees := make([]AssetFeeConfig, 0, len(c.AssetFees))
		for _, entry := range c.AssetFees {
			asset := strings.ToUpper(strings.TrimSpace(entry.Asset))
			if asset == "" {
				continue
			}
			if _, exists := seen[asset]; exists {
				continue
			}
			seen[asset] = struct{}{}
			fees = append(fees, AssetFeeConfig{Asset: asset, FeeBps: entry.FeeBps, AtomicBps: entry.AtomicBps})
		}
		sort.Slice(fees, func(i, j int) bool { return fees[i].Asset < fees[j].Asset })
		cfg.AssetFees = fees
	}
	return cfg
}

// Parameters converts the textual configuration into a runtime snapshot.
func (c Config) Parameters() (Params, error) {
	normalized := c.Normalise()
	params := Params{
		BaseAsset:          Asset(normalized.BaseAsset),
		FeeSink:            normalized.FeeSink,
		WaitingPeriod:      time.Duration(normalized.WaitingPeriodSeconds) * time.Second,
		DefaultFeeBps:      normalized.DefaultFeeBps,
		DynamicFee:         DynamicFeeConfig(normalized.DynamicFee),
		AtomicDynamicFee:   DynamicFeeConfig(normalized.AtomicDynamicFee),
		AtomicVolumeWindow: time.Duration(normalized.AtomicVolumeWindowSec) * time.Second,
	}
	if len(normalized.AssetFees) > 0 {
		params.AssetFeeBps = make(map[Asset]uint64, len(normalized.AssetFees))
		params.AtomicFeeBps = make(map[Asset]uint64, len(normalized.AssetFees))
		for _, entry := range normalized.AssetFees {
			params.AssetFeeBps[Asset(entry.Asset)] = entry.FeeBps
			if entry.AtomicBps > 0 {
				params.AtomicFeeBps[Asset(entry.Asset)] = entry.AtomicBps
			}
		}
	}
	if normalized.AtomicMaxVolume != "" {
		volume, err := parseBaseUnitAmount(normalized.AtomicMaxVolume)
		if err != nil {
			return params, fmt.Errorf("exchange: invalid AtomicMaxVolume: %w", err)
		}
		params.AtomicMaxVolume = volume
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

// parseBaseUnitAmount parses a non-negative integer amount expressed in base
// units. Underscore separators are accepted for readability.
func parseBaseUnitAmount(value string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount must not be negative")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}
