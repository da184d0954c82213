package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"synthex/core/events"
	"synthex/observability"
)

// PriceHistory exposes the oracle round history consumed by the engine. Round
// identifiers are monotonically increasing per asset.
type PriceHistory interface {
	// CurrentRound returns the identifier of the most recent round for the asset.
	CurrentRound(asset Asset) (uint64, error)
	// RoundAtOrBefore returns the latest round whose timestamp is at or before
	// fromTimestamp+elapsed, starting the search at fromRound. When the window
	// has not yet elapsed it falls back to the most recent round.
	RoundAtOrBefore(asset Asset, fromRound uint64, fromTimestamp int64, elapsed time.Duration) (uint64, error)
	// RateAtRound returns the recorded rate for the round.
	RateAtRound(asset Asset, round uint64) (*big.Rat, error)
	// RoundIsInvalid reports whether the specific round has been flagged invalid.
	RoundIsInvalid(asset Asset, round uint64) (bool, error)
	// IsStaleOrInvalid reports whether the asset's feed is currently unusable.
	IsStaleOrInvalid(asset Asset) (bool, error)
	// SamplesForRounds returns up to n rates ending at fromRound, most recent
	// first.
	SamplesForRounds(asset Asset, n int, fromRound uint64) ([]*big.Rat, error)
}

// BalanceLedger abstracts the external token ledger that holds asset balances.
type BalanceLedger interface {
	Burn(account string, asset Asset, amount *big.Int) error
	Issue(account string, asset Asset, amount *big.Int) error
	BalanceOf(account string, asset Asset) (*big.Int, error)
}

// DebtExposureTracker is notified whenever settled or traded volume changes
// the system's per-asset exposure.
type DebtExposureTracker interface {
	UpdateExposure(assets []Asset, rates []*big.Rat) error
}

// CircuitBreaker decides whether an observed amount deviates implausibly from
// the expected amount, signalling an oracle anomaly.
type CircuitBreaker interface {
	DeviationAboveThreshold(observed, expected *big.Int) bool
}

// Engine is the top-level conversion orchestrator. Every public call runs
// under one exclusive lock, so a request executes to completion before the
// next is admitted; the plan-settlement-then-commit sequencing depends on it.
type Engine struct {
	mu       sync.Mutex
	params   Params
	store    Storage
	ledger   *Ledger
	prices   PriceHistory
	balances BalanceLedger
	exposure DebtExposureTracker
	breaker  CircuitBreaker
	emitter  events.Emitter
	clock    func() time.Time
	log      *slog.Logger
	metrics  *observability.ExchangeMetrics
	tracer   trace.Tracer
}

// NewEngine constructs an orchestrator from an immutable parameter snapshot
// and its injected collaborators.
func NewEngine(params Params, store Storage, prices PriceHistory, balances BalanceLedger, exposure DebtExposureTracker, breaker CircuitBreaker, emitter events.Emitter) (*Engine, error) {
	if store == nil || prices == nil || balances == nil || exposure == nil || breaker == nil {
		return nil, fmt.Errorf("exchange: all collaborators must be provided")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	engine := &Engine{
		params:   params.Clone(),
		store:    store,
		ledger:   NewLedger(store, prices, balances, exposure, breaker, emitter),
		prices:   prices,
		balances: balances,
		exposure: exposure,
		breaker:  breaker,
		emitter:  emitter,
		clock:    time.Now,
		log:      slog.Default(),
		metrics:  observability.Exchange(),
		tracer:   otel.Tracer("synthex.exchange"),
	}
	return engine, nil
}

// SetClock overrides the time source for the engine and its ledger, primarily
// for deterministic testing.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
	e.ledger.SetClock(clock)
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(log *slog.Logger) {
	if e == nil || log == nil {
		return
	}
	e.log = log
	e.ledger.SetLogger(log)
}

// Params returns a copy of the active parameter snapshot.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Clone()
}

// UpdateParams swaps in a new parameter snapshot after validation. The live
// snapshot is never mutated in place.
func (e *Engine) UpdateParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = params.Clone()
	return nil
}

// Settle reconciles all pending entries for (account, asset). Callable by
// anyone at any time; before the waiting window elapses the reconciliation
// converges on the same rounds a later call would use.
func (e *Engine) Settle(ctx context.Context, account string, asset Asset) (*SettlementOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "exchange.settle", trace.WithAttributes(
		attribute.String("asset", string(NormaliseAsset(asset))),
	))
	defer span.End()
	outcome, err := e.ledger.Settle(account, asset, e.params.WaitingPeriod)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.RecordSettlement(settlementOutcomeLabel(outcome))
	return outcome, nil
}

// MaxWaitLeft reports the time remaining before pending entries sourced from
// the asset mature. Non-zero values gate further conversions from the asset.
func (e *Engine) MaxWaitLeft(account string, asset Asset) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.MaxWaitLeft(account, asset, e.params.WaitingPeriod)
}

// PendingEntries lists the unreconciled entries for (account, asset).
func (e *Engine) PendingEntries(account string, asset Asset) ([]*PendingExchangeEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.PendingEntries(account, asset)
}

// VolumeWindow exposes the current atomic volume window for inspection.
func (e *Engine) VolumeWindow() (*VolumeWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return loadVolumeWindow(e.store)
}

// Exchange converts amount of src held by account into dest, crediting the
// proceeds to destination. Stale prices soft-fail with zero amounts; when the
// waiting period is configured a pending entry is recorded for later
// reconciliation.
func (e *Engine) Exchange(ctx context.Context, account string, src Asset, amount *big.Int, dest Asset, destination string) (*ExchangeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := e.clock()
	_, span := e.tracer.Start(ctx, "exchange.trade", trace.WithAttributes(
		attribute.String("src", string(NormaliseAsset(src))),
		attribute.String("dest", string(NormaliseAsset(dest))),
	))
	defer span.End()

	result, err := e.exchangeLocked(account, src, amount, dest, destination)
	e.observeTrade(span, "standard", started, err)
	return result, err
}

// ExchangeAtomically converts src into dest with instant settlement. No
// pending entry is recorded; instead the trade's source value counts against
// the per-window volume cap, both assets must pass the stricter atomic
// volatility gate, and the fill is checked against a reference conversion.
// All failures are hard and leave state untouched.
func (e *Engine) ExchangeAtomically(ctx context.Context, account string, src Asset, amount *big.Int, dest Asset, destination string, minReceived *big.Int) (*ExchangeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	started := e.clock()
	_, span := e.tracer.Start(ctx, "exchange.atomic_trade", trace.WithAttributes(
		attribute.String("src", string(NormaliseAsset(src))),
		attribute.String("dest", string(NormaliseAsset(dest))),
	))
	defer span.End()

	result, err := e.exchangeAtomicallyLocked(account, src, amount, dest, destination, minReceived)
	e.observeTrade(span, "atomic", started, err)
	return result, err
}

func (e *Engine) exchangeLocked(account string, src Asset, amount *big.Int, dest Asset, destination string) (*ExchangeResult, error) {
	account, src, dest, destination, err := e.validateRequest(account, src, amount, dest, destination)
	if err != nil {
		return nil, err
	}
	stale, err := e.anyFeedStale(src, dest)
	if err != nil {
		return nil, err
	}
	if stale {
		// Soft failure: the standard path degrades to a no-op rather than
		// trading on an unusable feed.
		e.log.Warn("exchange skipped on stale price", "src", string(src), "dest", string(dest))
		e.metrics.RecordRejection("standard", "stale_price")
		return zeroResult(), nil
	}
	plan, adjusted, settledOnly, err := e.gateAndPlan(account, src, amount)
	if err != nil {
		return nil, err
	}
	if settledOnly {
		if err := e.commitSettlement(plan); err != nil {
			return nil, err
		}
		return zeroResult(), nil
	}

	quote, err := e.quote(src, dest, adjusted, false)
	if err != nil {
		return nil, err
	}
	if quote.tooVolatile {
		e.metrics.RecordRejection("standard", "too_volatile")
		return nil, ErrTooVolatile
	}
	roundInvalid, err := e.anyRoundInvalid(src, quote.srcRound, dest, quote.destRound)
	if err != nil {
		return nil, err
	}
	if roundInvalid {
		// A feed can be flagged between quoting and filling; degrade softly,
		// consistent with the stale check above. The implicit settlement still
		// lands, the conversion does not.
		e.log.Warn("exchange skipped on invalid round", "src", string(src), "dest", string(dest))
		e.metrics.RecordRejection("standard", "round_invalid")
		if err := e.commitSettlement(plan); err != nil {
			return nil, err
		}
		return zeroResult(), nil
	}

	if err := e.commitSettlement(plan); err != nil {
		return nil, err
	}
	if err := e.applyTrade(account, src, adjusted, dest, destination, quote); err != nil {
		return nil, err
	}
	if e.params.WaitingPeriod > 0 {
		entry := &PendingExchangeEntry{
			SourceAsset:    src,
			SourceAmount:   adjusted,
			DestAsset:      dest,
			AmountReceived: quote.net,
			FeeRate:        quote.feeRate,
			Timestamp:      e.clock().Unix(),
			RoundIDForSrc:  quote.srcRound,
			RoundIDForDest: quote.destRound,
		}
		if err := e.ledger.AppendEntry(destination, entry); err != nil {
			return nil, err
		}
	}
	e.emitter.Emit(events.ExchangeTrade{
		Account:        account,
		SourceAsset:    string(src),
		SourceAmount:   adjusted,
		DestAsset:      string(dest),
		AmountReceived: quote.net,
		Fee:            quote.fee,
		Destination:    destination,
	})
	return &ExchangeResult{SourceAmount: adjusted, AmountReceived: quote.net, Fee: quote.fee}, nil
}

func (e *Engine) exchangeAtomicallyLocked(account string, src Asset, amount *big.Int, dest Asset, destination string, minReceived *big.Int) (*ExchangeResult, error) {
	account, src, dest, destination, err := e.validateRequest(account, src, amount, dest, destination)
	if err != nil {
		return nil, err
	}
	stale, err := e.anyFeedStale(src, dest)
	if err != nil {
		return nil, err
	}
	if stale {
		e.metrics.RecordRejection("atomic", "stale_price")
		return nil, ErrStalePrice
	}
	plan, adjusted, settledOnly, err := e.gateAndPlan(account, src, amount)
	if err != nil {
		return nil, err
	}
	if settledOnly {
		// The atomic path carries a minimum-received guard, so it cannot
		// silently no-op the way the standard path does.
		return nil, ErrZeroAmount
	}

	quote, err := e.quote(src, dest, adjusted, true)
	if err != nil {
		return nil, err
	}
	if quote.tooVolatile {
		e.metrics.RecordRejection("atomic", "too_volatile")
		return nil, ErrTooVolatile
	}
	roundInvalid, err := e.anyRoundInvalid(src, quote.srcRound, dest, quote.destRound)
	if err != nil {
		return nil, err
	}
	if roundInvalid {
		e.metrics.RecordRejection("atomic", "round_invalid")
		return nil, ErrStalePrice
	}
	reference, err := e.referenceConversion(src, quote.srcRound, dest, quote.destRound, adjusted)
	if err != nil {
		return nil, err
	}
	if reference != nil && e.breaker.DeviationAboveThreshold(quote.gross, reference) {
		e.metrics.RecordRejection("atomic", "price_deviation")
		return nil, ErrPriceDeviation
	}
	if minReceived != nil && minReceived.Sign() > 0 && quote.net.Cmp(minReceived) < 0 {
		e.metrics.RecordRejection("atomic", "below_minimum")
		return nil, ErrBelowMinimumReceived
	}

	srcValue := convertAmount(adjusted, quote.srcRate, quote.baseRate)
	window, err := loadVolumeWindow(e.store)
	if err != nil {
		return nil, err
	}
	next, err := checkVolumeWindow(window, e.clock(), e.params.AtomicVolumeWindow, e.params.AtomicMaxVolume, srcValue)
	if err != nil {
		e.metrics.RecordRejection("atomic", "volume_limit")
		return nil, err
	}

	// Past the last rejection point; commit the planned settlement, the
	// volume window, and the trade.
	if err := e.commitSettlement(plan); err != nil {
		return nil, err
	}
	if err := persistVolumeWindow(e.store, next); err != nil {
		return nil, err
	}
	if err := e.applyTrade(account, src, adjusted, dest, destination, quote); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.ExchangeTrade{
		Atomic:         true,
		Account:        account,
		SourceAsset:    string(src),
		SourceAmount:   adjusted,
		DestAsset:      string(dest),
		AmountReceived: quote.net,
		Fee:            quote.fee,
		Destination:    destination,
	})
	return &ExchangeResult{SourceAmount: adjusted, AmountReceived: quote.net, Fee: quote.fee}, nil
}

func (e *Engine) validateRequest(account string, src Asset, amount *big.Int, dest Asset, destination string) (string, Asset, Asset, string, error) {
	account = strings.TrimSpace(account)
	destination = strings.TrimSpace(destination)
	if account == "" || destination == "" {
		return "", "", "", "", ErrAccountRequired
	}
	src = NormaliseAsset(src)
	dest = NormaliseAsset(dest)
	if src == "" || dest == "" {
		return "", "", "", "", ErrUnknownAsset
	}
	if src == dest {
		return "", "", "", "", ErrSameAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", "", "", "", ErrZeroAmount
	}
	return account, src, dest, destination, nil
}

// anyFeedStale checks feed health for both legs. The base asset is exempt.
func (e *Engine) anyFeedStale(src, dest Asset) (bool, error) {
	base := NormaliseAsset(e.params.BaseAsset)
	for _, asset := range []Asset{src, dest} {
		if asset == base {
			continue
		}
		stale, err := e.prices.IsStaleOrInvalid(asset)
		if err != nil {
			return false, err
		}
		if stale {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) anyRoundInvalid(src Asset, srcRound uint64, dest Asset, destRound uint64) (bool, error) {
	invalid, err := e.prices.RoundIsInvalid(src, srcRound)
	if err != nil || invalid {
		return invalid, err
	}
	return e.prices.RoundIsInvalid(dest, destRound)
}

// gateAndPlan enforces the waiting-period gate for the source asset and plans
// the settlement of matured entries without applying it, so later rejections
// abort with no state touched. The returned amount is rebate-adjusted and
// clamped to the balance the account would hold once the plan commits.
// settledOnly is true when that balance is zero: settlement alone, with no
// further conversion, is a legitimate outcome of a conversion call.
func (e *Engine) gateAndPlan(account string, src Asset, amount *big.Int) (*settlementPlan, *big.Int, bool, error) {
	wait, err := e.ledger.MaxWaitLeft(account, src, e.params.WaitingPeriod)
	if err != nil {
		return nil, nil, false, err
	}
	if wait > 0 {
		return nil, nil, false, ErrWaitingPeriod
	}
	plan, err := e.ledger.planSettlement(account, src, e.params.WaitingPeriod)
	if err != nil {
		return nil, nil, false, err
	}
	balance, err := e.balances.BalanceOf(account, src)
	if err != nil {
		return nil, nil, false, err
	}
	settled := new(big.Int)
	if balance != nil {
		settled.Set(balance)
	}
	settled.Sub(settled, plan.outcome.Reclaimed)
	settled.Add(settled, plan.outcome.Refunded)
	if settled.Sign() <= 0 {
		return plan, nil, true, nil
	}
	adjusted := new(big.Int).Set(amount)
	if plan.outcome.Refunded.Sign() > 0 {
		adjusted.Add(adjusted, plan.outcome.Refunded)
	}
	if adjusted.Cmp(settled) > 0 {
		adjusted.Set(settled)
	}
	return plan, adjusted, false, nil
}

// commitSettlement applies a planned settlement once the conversion has
// passed every rejection point.
func (e *Engine) commitSettlement(plan *settlementPlan) error {
	if plan == nil || plan.outcome.NumEntriesSettled == 0 {
		return nil
	}
	if err := e.ledger.applySettlement(plan); err != nil {
		return err
	}
	e.metrics.RecordSettlement(settlementOutcomeLabel(plan.outcome))
	return nil
}

// tradeQuote carries the priced leg of a conversion before mutation.
type tradeQuote struct {
	srcRound    uint64
	destRound   uint64
	srcRate     *big.Rat
	destRate    *big.Rat
	baseRate    *big.Rat
	gross       *big.Int
	net         *big.Int
	fee         *big.Int
	feeRate     *big.Rat
	tooVolatile bool
}

func (e *Engine) quote(src, dest Asset, amount *big.Int, atomic bool) (*tradeQuote, error) {
	srcRound, err := e.prices.CurrentRound(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAsset, err)
	}
	destRound, err := e.prices.CurrentRound(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAsset, err)
	}
	srcRate, err := e.prices.RateAtRound(src, srcRound)
	if err != nil {
		return nil, err
	}
	destRate, err := e.prices.RateAtRound(dest, destRound)
	if err != nil {
		return nil, err
	}
	baseRate, err := e.baseRate()
	if err != nil {
		return nil, err
	}

	staticBps := e.params.FeeBpsFor(dest)
	cfg := e.params.DynamicFee
	if atomic {
		staticBps = e.params.AtomicFeeBpsFor(dest)
		cfg = e.params.AtomicDynamicFee
	}
	dynSrc, err := e.dynamicFeeFor(src, srcRound, cfg)
	if err != nil {
		return nil, err
	}
	dynDest, err := e.dynamicFeeFor(dest, destRound, cfg)
	if err != nil {
		return nil, err
	}
	combined := combinedDynamicFee(dynSrc, dynDest, cfg)
	feeRate := new(big.Rat).Add(big.NewRat(int64(staticBps), bpsDenominator), combined.Fee)

	gross := convertAmount(amount, srcRate, destRate)
	net, fee := deductFee(gross, feeRate)
	return &tradeQuote{
		srcRound:    srcRound,
		destRound:   destRound,
		srcRate:     srcRate,
		destRate:    destRate,
		baseRate:    baseRate,
		gross:       gross,
		net:         net,
		fee:         fee,
		feeRate:     feeRate,
		tooVolatile: combined.TooVolatile,
	}, nil
}

func (e *Engine) dynamicFeeFor(asset Asset, round uint64, cfg DynamicFeeConfig) (DynamicFeeResult, error) {
	if !cfg.Enabled() || asset == NormaliseAsset(e.params.BaseAsset) {
		return DynamicFeeResult{Fee: new(big.Rat)}, nil
	}
	samples, err := e.prices.SamplesForRounds(asset, cfg.RoundsToSample, round)
	if err != nil {
		return DynamicFeeResult{}, err
	}
	return DynamicFee(samples, cfg), nil
}

func (e *Engine) baseRate() (*big.Rat, error) {
	base := NormaliseAsset(e.params.BaseAsset)
	round, err := e.prices.CurrentRound(base)
	if err != nil {
		return nil, fmt.Errorf("exchange: base asset rate unavailable: %w", err)
	}
	return e.prices.RateAtRound(base, round)
}

// referenceConversion recomputes the fill from the median of the recent sample
// history for each leg, independent of the spot rounds used to quote. A nil
// result means there was not enough history to anchor a reference.
func (e *Engine) referenceConversion(src Asset, srcRound uint64, dest Asset, destRound uint64, amount *big.Int) (*big.Int, error) {
	n := e.params.AtomicDynamicFee.RoundsToSample
	if n < 2 {
		return nil, nil
	}
	srcSamples, err := e.prices.SamplesForRounds(src, n, srcRound)
	if err != nil {
		return nil, err
	}
	destSamples, err := e.prices.SamplesForRounds(dest, n, destRound)
	if err != nil {
		return nil, err
	}
	srcRef := medianRate(srcSamples)
	destRef := medianRate(destSamples)
	if srcRef == nil || destRef == nil {
		return nil, nil
	}
	return convertAmount(amount, srcRef, destRef), nil
}

// applyTrade performs the balance mutations and notifications shared by both
// paths: debit source, credit destination, route the fee to the sink in base
// asset terms, and refresh exposure for both legs. All internal state updates
// complete before any notification is issued.
func (e *Engine) applyTrade(account string, src Asset, amount *big.Int, dest Asset, destination string, quote *tradeQuote) error {
	if err := e.balances.Burn(account, src, amount); err != nil {
		return fmt.Errorf("exchange: source debit failed: %w", err)
	}
	if err := e.balances.Issue(destination, dest, quote.net); err != nil {
		return fmt.Errorf("exchange: destination credit failed: %w", err)
	}
	if quote.fee.Sign() > 0 && e.params.FeeSink != "" {
		feeInBase := convertAmount(quote.fee, quote.destRate, quote.baseRate)
		if feeInBase.Sign() > 0 {
			if err := e.balances.Issue(e.params.FeeSink, NormaliseAsset(e.params.BaseAsset), feeInBase); err != nil {
				return fmt.Errorf("exchange: fee routing failed: %w", err)
			}
		}
	}
	if err := e.exposure.UpdateExposure([]Asset{src, dest}, []*big.Rat{quote.srcRate, quote.destRate}); err != nil {
		return err
	}
	return nil
}

func (e *Engine) observeTrade(span trace.Span, path string, started time.Time, err error) {
	duration := e.clock().Sub(started)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordTrade(path, "error", duration)
		return
	}
	e.metrics.RecordTrade(path, "ok", duration)
}

func settlementOutcomeLabel(outcome *SettlementOutcome) string {
	switch {
	case outcome == nil:
		return "noop"
	case outcome.Reclaimed.Sign() > 0:
		return "reclaimed"
	case outcome.Refunded.Sign() > 0:
		return "refunded"
	default:
		return "noop"
	}
}

func medianRate(samples []*big.Rat) *big.Rat {
	rates := make([]*big.Rat, 0, len(samples))
	for _, sample := range samples {
		if sample != nil && sample.Sign() > 0 {
			rates = append(rates, sample)
		}
	}
	if len(rates) == 0 {
		return nil
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Cmp(rates[j]) < 0 })
	mid := len(rates) / 2
	if len(rates)%2 == 1 {
		return new(big.Rat).Set(rates[mid])
	}
	sum := new(big.Rat).Add(rates[mid-1], rates[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}
