package exchange

import (
	"math/big"
	"strings"
)

// Asset identifies a fungible synthetic asset by its canonical upper-case key.
type Asset string

// NormaliseAsset canonicalises asset keys for consistent lookups and storage.
func NormaliseAsset(asset Asset) Asset {
	return Asset(strings.ToUpper(strings.TrimSpace(string(asset))))
}

// PendingExchangeEntry records a conversion that has not yet been reconciled
// against the prices observed over the waiting period. Entries are owned by
// the settlement ledger and keyed by (account, destination asset).
type PendingExchangeEntry struct {
	SourceAsset    Asset
	SourceAmount   *big.Int
	DestAsset      Asset
	AmountReceived *big.Int
	FeeRate        *big.Rat
	Timestamp      int64
	RoundIDForSrc  uint64
	RoundIDForDest uint64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (e *PendingExchangeEntry) Copy() *PendingExchangeEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.SourceAmount != nil {
		clone.SourceAmount = new(big.Int).Set(e.SourceAmount)
	}
	if e.AmountReceived != nil {
		clone.AmountReceived = new(big.Int).Set(e.AmountReceived)
	}
	if e.FeeRate != nil {
		clone.FeeRate = new(big.Rat).Set(e.FeeRate)
	}
	return &clone
}

// SettlementOutcome summarises the reconciliation applied when a pending key
// was settled. Reclaimed and Refunded are already netted against each other;
// at most one of them is non-zero.
type SettlementOutcome struct {
	Reclaimed         *big.Int
	Refunded          *big.Int
	NumEntriesSettled int
}

// ExchangeResult carries the amounts produced by a conversion. SourceAmount
// is the amount actually traded, which can differ from the requested amount
// after rebate adjustment and balance clamping.
type ExchangeResult struct {
	SourceAmount   *big.Int
	AmountReceived *big.Int
	Fee            *big.Int
}

func zeroResult() *ExchangeResult {
	return &ExchangeResult{SourceAmount: big.NewInt(0), AmountReceived: big.NewInt(0), Fee: big.NewInt(0)}
}

// convertAmount translates an amount of the source asset into the destination
// asset using the supplied rates. The result is truncated toward zero.
func convertAmount(amount *big.Int, srcRate, destRate *big.Rat) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if srcRate == nil || srcRate.Sign() <= 0 || destRate == nil || destRate.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Rat).SetInt(amount)
	value.Mul(value, srcRate)
	value.Quo(value, destRate)
	return new(big.Int).Quo(value.Num(), value.Denom())
}

// deductFee applies a fractional fee rate to the gross amount and returns the
// net amount alongside the fee taken.
func deductFee(gross *big.Int, feeRate *big.Rat) (net *big.Int, fee *big.Int) {
	if gross == nil || gross.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	if feeRate == nil || feeRate.Sign() <= 0 {
		return new(big.Int).Set(gross), big.NewInt(0)
	}
	if feeRate.Cmp(oneRat) >= 0 {
		return big.NewInt(0), new(big.Int).Set(gross)
	}
	kept := new(big.Rat).Sub(oneRat, feeRate)
	kept.Mul(kept, new(big.Rat).SetInt(gross))
	net = new(big.Int).Quo(kept.Num(), kept.Denom())
	fee = new(big.Int).Sub(gross, net)
	return net, fee
}

var oneRat = big.NewRat(1, 1)
