package exchange

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"synthex/core/events"
)

// Storage abstracts the subset of state manager functionality required by the
// settlement ledger and the atomic volume window.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var pendingEntryPrefix = []byte("exchange/pending/")

// storedPendingEntry is the rlp-friendly persisted form of a pending entry.
// Amounts are kept as decimal strings and the fee rate in big.Rat notation.
type storedPendingEntry struct {
	SourceAsset    string
	SourceAmount   string
	DestAsset      string
	AmountReceived string
	FeeRate        string
	Timestamp      uint64
	RoundIDForSrc  uint64
	RoundIDForDest uint64
}

type storedPendingList struct {
	Entries []storedPendingEntry
}

// Ledger maintains the per-(account, destination asset) lists of pending
// exchange entries and reconciles them against the prices observed over the
// waiting period. Entries for a key are removed in bulk, never partially.
type Ledger struct {
	store    Storage
	prices   PriceHistory
	balances BalanceLedger
	exposure DebtExposureTracker
	breaker  CircuitBreaker
	emitter  events.Emitter
	clock    func() time.Time
	log      *slog.Logger
}

// NewLedger constructs a settlement ledger bound to the provided storage and
// collaborators.
func NewLedger(store Storage, prices PriceHistory, balances BalanceLedger, exposure DebtExposureTracker, breaker CircuitBreaker, emitter events.Emitter) *Ledger {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Ledger{
		store:    store,
		prices:   prices,
		balances: balances,
		exposure: exposure,
		breaker:  breaker,
		emitter:  emitter,
		clock:    time.Now,
		log:      slog.Default(),
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// SetLogger overrides the logger used for settlement policy decisions.
func (l *Ledger) SetLogger(log *slog.Logger) {
	if l == nil || log == nil {
		return
	}
	l.log = log
}

// AppendEntry stores a new pending entry for (account, entry.DestAsset) and
// emits an entry-appended event.
func (l *Ledger) AppendEntry(account string, entry *PendingExchangeEntry) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return ErrAccountRequired
	}
	if entry == nil {
		return fmt.Errorf("exchange: entry must not be nil")
	}
	dest := NormaliseAsset(entry.DestAsset)
	if dest == "" || NormaliseAsset(entry.SourceAsset) == "" {
		return ErrUnknownAsset
	}
	// Detach from the caller's pointers so later mutation cannot reach the
	// stored list or the event payload.
	entry = entry.Copy()
	key := pendingKey(account, dest)
	var list storedPendingList
	if _, err := l.store.KVGet(key, &list); err != nil {
		return err
	}
	list.Entries = append(list.Entries, toStoredEntry(entry))
	if err := l.store.KVPut(key, list); err != nil {
		return err
	}
	l.emitter.Emit(events.ExchangeEntryAppended{
		Account:        account,
		SourceAsset:    string(NormaliseAsset(entry.SourceAsset)),
		SourceAmount:   entry.SourceAmount,
		DestAsset:      string(dest),
		AmountReceived: entry.AmountReceived,
		FeeRate:        ratString(entry.FeeRate),
		Timestamp:      entry.Timestamp,
	})
	return nil
}

// PendingEntries returns deep copies of the stored entries for the key.
func (l *Ledger) PendingEntries(account string, asset Asset) ([]*PendingExchangeEntry, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	list, err := l.loadEntries(strings.TrimSpace(account), NormaliseAsset(asset))
	if err != nil {
		return nil, err
	}
	return list, nil
}

// MaxWaitLeft reports the seconds remaining until the newest pending entry for
// the key matures. It returns zero when no entry exists or the waiting period
// has already elapsed.
func (l *Ledger) MaxWaitLeft(account string, asset Asset, waitingPeriod time.Duration) (time.Duration, error) {
	if l == nil {
		return 0, fmt.Errorf("ledger not initialised")
	}
	entries, err := l.loadEntries(strings.TrimSpace(account), NormaliseAsset(asset))
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 || waitingPeriod <= 0 {
		return 0, nil
	}
	newest := entries[0].Timestamp
	for _, entry := range entries[1:] {
		if entry.Timestamp > newest {
			newest = entry.Timestamp
		}
	}
	matured := time.Unix(newest, 0).Add(waitingPeriod)
	remaining := matured.Sub(l.clock())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// settlementPlan is the computed effect of reconciling a key's pending
// entries before any of it has been applied. Conversion calls plan first so
// further rejections can still abort with no state touched, then commit.
type settlementPlan struct {
	account string
	asset   Asset
	outcome *SettlementOutcome
	settled []events.ExchangeEntrySettled
}

// Settle reconciles every pending entry for (account, asset) against the
// prices observed at the rounds closing the waiting window, nets reclaim
// against rebate across the batch, applies the adjustment through the balance
// ledger, and removes all entries for the key. It is idempotent: with no
// entries stored it returns a zero outcome and touches nothing.
func (l *Ledger) Settle(account string, asset Asset, waitingPeriod time.Duration) (*SettlementOutcome, error) {
	plan, err := l.planSettlement(account, asset, waitingPeriod)
	if err != nil {
		return nil, err
	}
	if err := l.applySettlement(plan); err != nil {
		return nil, err
	}
	return plan.outcome, nil
}

// planSettlement replays the key's pending entries and nets reclaim against
// rebate across the batch, without mutating balances or storage.
func (l *Ledger) planSettlement(account string, asset Asset, waitingPeriod time.Duration) (*settlementPlan, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, ErrAccountRequired
	}
	asset = NormaliseAsset(asset)
	if asset == "" {
		return nil, ErrUnknownAsset
	}
	plan := &settlementPlan{
		account: account,
		asset:   asset,
		outcome: &SettlementOutcome{Reclaimed: big.NewInt(0), Refunded: big.NewInt(0)},
	}
	entries, err := l.loadEntries(account, asset)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return plan, nil
	}

	totalReclaim := big.NewInt(0)
	totalRebate := big.NewInt(0)
	for _, entry := range entries {
		reclaim, rebate, skipped, err := l.reconcileEntry(entry, waitingPeriod)
		if err != nil {
			return nil, err
		}
		totalReclaim.Add(totalReclaim, reclaim)
		totalRebate.Add(totalRebate, rebate)
		plan.settled = append(plan.settled, events.ExchangeEntrySettled{
			Account:      account,
			SourceAsset:  string(entry.SourceAsset),
			SourceAmount: entry.SourceAmount,
			DestAsset:    string(entry.DestAsset),
			Reclaim:      reclaim,
			Rebate:       rebate,
			Skipped:      skipped,
			Timestamp:    entry.Timestamp,
		})
	}

	// Reclaim and rebate are netted across the batch so at most one balance
	// movement is applied per settlement.
	if totalReclaim.Cmp(totalRebate) > 0 {
		plan.outcome.Reclaimed = new(big.Int).Sub(totalReclaim, totalRebate)
	} else if totalRebate.Cmp(totalReclaim) > 0 {
		plan.outcome.Refunded = new(big.Int).Sub(totalRebate, totalReclaim)
	}
	plan.outcome.NumEntriesSettled = len(entries)
	return plan, nil
}

// applySettlement commits a plan: the netted balance movement, entry removal,
// exposure refresh, and per-entry settled events. A plan with no entries is a
// no-op.
func (l *Ledger) applySettlement(plan *settlementPlan) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if plan == nil || plan.outcome.NumEntriesSettled == 0 {
		return nil
	}
	if plan.outcome.Reclaimed.Sign() > 0 {
		if err := l.balances.Burn(plan.account, plan.asset, plan.outcome.Reclaimed); err != nil {
			return fmt.Errorf("exchange: reclaim burn failed: %w", err)
		}
	}
	if plan.outcome.Refunded.Sign() > 0 {
		if err := l.balances.Issue(plan.account, plan.asset, plan.outcome.Refunded); err != nil {
			return fmt.Errorf("exchange: rebate issue failed: %w", err)
		}
	}
	if err := l.store.KVDelete(pendingKey(plan.account, plan.asset)); err != nil {
		return err
	}
	if plan.outcome.Reclaimed.Sign() > 0 || plan.outcome.Refunded.Sign() > 0 {
		if err := l.notifyExposure(plan.asset); err != nil {
			return err
		}
	}
	for _, event := range plan.settled {
		l.emitter.Emit(event)
	}
	return nil
}

// reconcileEntry replays one entry against the rounds that closed its waiting
// window and returns the reclaim or rebate owed. The fee charged at trade time
// is deducted again; it is never recomputed against current parameters.
func (l *Ledger) reconcileEntry(entry *PendingExchangeEntry, waitingPeriod time.Duration) (reclaim, rebate *big.Int, skipped bool, err error) {
	reclaim = big.NewInt(0)
	rebate = big.NewInt(0)
	srcRound, err := l.prices.RoundAtOrBefore(entry.SourceAsset, entry.RoundIDForSrc, entry.Timestamp, waitingPeriod)
	if err != nil {
		return nil, nil, false, err
	}
	destRound, err := l.prices.RoundAtOrBefore(entry.DestAsset, entry.RoundIDForDest, entry.Timestamp, waitingPeriod)
	if err != nil {
		return nil, nil, false, err
	}
	srcRate, err := l.prices.RateAtRound(entry.SourceAsset, srcRound)
	if err != nil {
		return nil, nil, false, err
	}
	destRate, err := l.prices.RateAtRound(entry.DestAsset, destRound)
	if err != nil {
		return nil, nil, false, err
	}
	gross := convertAmount(entry.SourceAmount, srcRate, destRate)
	shouldHaveReceived, _ := deductFee(gross, entry.FeeRate)
	if l.breaker != nil && l.breaker.DeviationAboveThreshold(entry.AmountReceived, shouldHaveReceived) {
		// An implausible gap signals an oracle anomaly rather than genuine
		// price movement; skip reconciliation for this entry.
		l.log.Warn("settlement skipped by circuit breaker",
			"sourceAsset", string(entry.SourceAsset),
			"destAsset", string(entry.DestAsset),
			"received", amountOrZero(entry.AmountReceived).String(),
			"expected", shouldHaveReceived.String(),
		)
		return reclaim, rebate, true, nil
	}
	received := amountOrZero(entry.AmountReceived)
	switch received.Cmp(shouldHaveReceived) {
	case 1:
		reclaim = new(big.Int).Sub(received, shouldHaveReceived)
	case -1:
		rebate = new(big.Int).Sub(shouldHaveReceived, received)
	}
	return reclaim, rebate, false, nil
}

func (l *Ledger) notifyExposure(asset Asset) error {
	round, err := l.prices.CurrentRound(asset)
	if err != nil {
		return err
	}
	rate, err := l.prices.RateAtRound(asset, round)
	if err != nil {
		return err
	}
	return l.exposure.UpdateExposure([]Asset{asset}, []*big.Rat{rate})
}

func (l *Ledger) loadEntries(account string, asset Asset) ([]*PendingExchangeEntry, error) {
	if account == "" || asset == "" {
		return nil, nil
	}
	var list storedPendingList
	ok, err := l.store.KVGet(pendingKey(account, asset), &list)
	if err != nil {
		return nil, err
	}
	if !ok || len(list.Entries) == 0 {
		return nil, nil
	}
	entries := make([]*PendingExchangeEntry, 0, len(list.Entries))
	for i := range list.Entries {
		entry, err := fromStoredEntry(&list.Entries[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func pendingKey(account string, asset Asset) []byte {
	suffix := account + "/" + string(asset)
	key := make([]byte, len(pendingEntryPrefix)+len(suffix))
	copy(key, pendingEntryPrefix)
	copy(key[len(pendingEntryPrefix):], suffix)
	return key
}

func toStoredEntry(entry *PendingExchangeEntry) storedPendingEntry {
	stored := storedPendingEntry{
		SourceAsset:    string(NormaliseAsset(entry.SourceAsset)),
		SourceAmount:   amountOrZero(entry.SourceAmount).String(),
		DestAsset:      string(NormaliseAsset(entry.DestAsset)),
		AmountReceived: amountOrZero(entry.AmountReceived).String(),
		FeeRate:        ratString(entry.FeeRate),
		RoundIDForSrc:  entry.RoundIDForSrc,
		RoundIDForDest: entry.RoundIDForDest,
	}
	if entry.Timestamp > 0 {
		stored.Timestamp = uint64(entry.Timestamp)
	}
	return stored
}

func fromStoredEntry(stored *storedPendingEntry) (*PendingExchangeEntry, error) {
	if stored == nil {
		return nil, fmt.Errorf("exchange: nil stored entry")
	}
	sourceAmount, ok := new(big.Int).SetString(stored.SourceAmount, 10)
	if !ok {
		return nil, fmt.Errorf("exchange: invalid stored amount %q", stored.SourceAmount)
	}
	amountReceived, ok := new(big.Int).SetString(stored.AmountReceived, 10)
	if !ok {
		return nil, fmt.Errorf("exchange: invalid stored amount %q", stored.AmountReceived)
	}
	feeRate := new(big.Rat)
	if strings.TrimSpace(stored.FeeRate) != "" {
		if _, ok := feeRate.SetString(stored.FeeRate); !ok {
			return nil, fmt.Errorf("exchange: invalid stored fee rate %q", stored.FeeRate)
		}
	}
	entry := &PendingExchangeEntry{
		SourceAsset:    Asset(stored.SourceAsset),
		SourceAmount:   sourceAmount,
		DestAsset:      Asset(stored.DestAsset),
		AmountReceived: amountReceived,
		FeeRate:        feeRate,
		Timestamp:      int64(stored.Timestamp),
		RoundIDForSrc:  stored.RoundIDForSrc,
		RoundIDForDest: stored.RoundIDForDest,
	}
	return entry, nil
}

func amountOrZero(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return amount
}

func ratString(rate *big.Rat) string {
	if rate == nil {
		return "0/1"
	}
	return rate.String()
}
