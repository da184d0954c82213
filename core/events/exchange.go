package events

import (
	"math/big"
	"strconv"
	"strings"
)

const (
	// TypeExchangeEntryAppended is emitted whenever a conversion records a new
	// pending reconciliation entry.
	TypeExchangeEntryAppended = "exchange.entry_appended"
	// TypeExchangeEntrySettled is emitted once per pending entry reconciled by a
	// settlement call.
	TypeExchangeEntrySettled = "exchange.entry_settled"
	// TypeExchangeTrade is emitted when a deferred-settlement conversion completes.
	TypeExchangeTrade = "exchange.trade_completed"
	// TypeExchangeAtomicTrade is emitted when an atomic conversion completes.
	TypeExchangeAtomicTrade = "exchange.atomic_trade"
)

// ExchangeEntryAppended records a freshly stored pending exchange entry.
type ExchangeEntryAppended struct {
	Account        string
	SourceAsset    string
	SourceAmount   *big.Int
	DestAsset      string
	AmountReceived *big.Int
	FeeRate        string
	Timestamp      int64
}

func (ExchangeEntryAppended) EventType() string { return TypeExchangeEntryAppended }

// Record renders the event attributes.
func (e ExchangeEntryAppended) Record() *Record {
	return &Record{
		Type: TypeExchangeEntryAppended,
		Attributes: map[string]string{
			"account":        strings.TrimSpace(e.Account),
			"sourceAsset":    strings.TrimSpace(e.SourceAsset),
			"sourceAmount":   amountString(e.SourceAmount),
			"destAsset":      strings.TrimSpace(e.DestAsset),
			"amountReceived": amountString(e.AmountReceived),
			"feeRate":        strings.TrimSpace(e.FeeRate),
			"timestamp":      strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

// ExchangeEntrySettled records the reconciliation outcome for one pending entry.
type ExchangeEntrySettled struct {
	Account      string
	SourceAsset  string
	SourceAmount *big.Int
	DestAsset    string
	Reclaim      *big.Int
	Rebate       *big.Int
	Skipped      bool
	Timestamp    int64
}

func (ExchangeEntrySettled) EventType() string { return TypeExchangeEntrySettled }

// Record renders the event attributes.
func (e ExchangeEntrySettled) Record() *Record {
	return &Record{
		Type: TypeExchangeEntrySettled,
		Attributes: map[string]string{
			"account":      strings.TrimSpace(e.Account),
			"sourceAsset":  strings.TrimSpace(e.SourceAsset),
			"sourceAmount": amountString(e.SourceAmount),
			"destAsset":    strings.TrimSpace(e.DestAsset),
			"reclaim":      amountString(e.Reclaim),
			"rebate":       amountString(e.Rebate),
			"skipped":      strconv.FormatBool(e.Skipped),
			"timestamp":    strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

// ExchangeTrade records a completed conversion on either path.
type ExchangeTrade struct {
	Atomic         bool
	Account        string
	SourceAsset    string
	SourceAmount   *big.Int
	DestAsset      string
	AmountReceived *big.Int
	Fee            *big.Int
	Destination    string
}

func (e ExchangeTrade) EventType() string {
	if e.Atomic {
		return TypeExchangeAtomicTrade
	}
	return TypeExchangeTrade
}

// Record renders the event attributes.
func (e ExchangeTrade) Record() *Record {
	return &Record{
		Type: e.EventType(),
		Attributes: map[string]string{
			"account":        strings.TrimSpace(e.Account),
			"sourceAsset":    strings.TrimSpace(e.SourceAsset),
			"sourceAmount":   amountString(e.SourceAmount),
			"destAsset":      strings.TrimSpace(e.DestAsset),
			"amountReceived": amountString(e.AmountReceived),
			"fee":            amountString(e.Fee),
			"destination":    strings.TrimSpace(e.Destination),
		},
	}
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
