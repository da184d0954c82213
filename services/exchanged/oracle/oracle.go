package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	exchange "synthex/native/exchange"
	"synthex/services/exchanged/storage"
)

// Oracle adapts the persisted price round history to the engine's view of it.
// Staleness is judged against the age of an asset's newest round.
type Oracle struct {
	store  *storage.Storage
	maxAge time.Duration
	clock  func() time.Time
}

// New constructs an oracle over the backing store.
func New(store *storage.Storage, maxAge time.Duration) (*Oracle, error) {
	if store == nil {
		return nil, fmt.Errorf("oracle: storage required")
	}
	if maxAge < 0 {
		return nil, fmt.Errorf("oracle: max age must not be negative")
	}
	return &Oracle{store: store, maxAge: maxAge, clock: time.Now}, nil
}

// SetClock overrides the time source, primarily for deterministic testing.
func (o *Oracle) SetClock(clock func() time.Time) {
	if o == nil || clock == nil {
		return
	}
	o.clock = clock
}

// CurrentRound returns the identifier of the asset's newest round.
func (o *Oracle) CurrentRound(asset exchange.Asset) (uint64, error) {
	round, found, err := o.store.LatestRound(context.Background(), asset)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("oracle: no rounds recorded for %s", asset)
	}
	return round.ID, nil
}

// RoundAtOrBefore returns the newest round whose timestamp is at or before
// fromTimestamp+elapsed, searching from fromRound. When no round has reached
// the cutoff yet it falls back to the newest round.
func (o *Oracle) RoundAtOrBefore(asset exchange.Asset, fromRound uint64, fromTimestamp int64, elapsed time.Duration) (uint64, error) {
	cutoff := fromTimestamp + int64(elapsed/time.Second)
	round, found, err := o.store.RoundAtOrBefore(context.Background(), asset, fromRound, cutoff)
	if err != nil {
		return 0, err
	}
	if found {
		return round.ID, nil
	}
	return o.CurrentRound(asset)
}

// RateAtRound returns the recorded rate for the round.
func (o *Oracle) RateAtRound(asset exchange.Asset, id uint64) (*big.Rat, error) {
	round, found, err := o.store.RoundByID(context.Background(), asset, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("oracle: round %d not found for %s", id, asset)
	}
	rate, ok := new(big.Rat).SetString(round.Rate)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid stored rate %q", round.Rate)
	}
	return rate, nil
}

// RoundIsInvalid reports whether the round has been flagged unusable.
func (o *Oracle) RoundIsInvalid(asset exchange.Asset, id uint64) (bool, error) {
	round, found, err := o.store.RoundByID(context.Background(), asset, id)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return round.Invalid, nil
}

// IsStaleOrInvalid reports whether the asset's feed is currently unusable:
// no history, a flagged newest round, or a newest round older than maxAge.
func (o *Oracle) IsStaleOrInvalid(asset exchange.Asset) (bool, error) {
	round, found, err := o.store.LatestRound(context.Background(), asset)
	if err != nil {
		return false, err
	}
	if !found || round.Invalid {
		return true, nil
	}
	if o.maxAge <= 0 {
		return false, nil
	}
	age := o.clock().Sub(time.Unix(round.ObservedAt, 0))
	return age > o.maxAge, nil
}

// SamplesForRounds returns up to n rates ending at fromRound, most recent first.
func (o *Oracle) SamplesForRounds(asset exchange.Asset, n int, fromRound uint64) ([]*big.Rat, error) {
	return o.store.RecentRates(context.Background(), asset, n, fromRound)
}
