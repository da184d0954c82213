package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	exchange "synthex/native/exchange"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "exchanged.sqlite"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	type record struct {
		Name  string
		Value uint64
	}
	key := []byte("exchange/test")
	found, err := store.KVGet(key, &record{})
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatalf("expected missing record")
	}
	if err := store.KVPut(key, record{Name: "alpha", Value: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got record
	found, err = store.KVGet(key, &got)
	if err != nil || !found {
		t.Fatalf("get: found=%t err=%v", found, err)
	}
	if got.Name != "alpha" || got.Value != 7 {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := store.KVPut(key, record{Name: "beta", Value: 9}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := store.KVGet(key, &got); err != nil {
		t.Fatalf("get overwritten: %v", err)
	}
	if got.Name != "beta" {
		t.Fatalf("expected overwrite, got %+v", got)
	}
	if err := store.KVDelete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	found, err = store.KVGet(key, &got)
	if err != nil || found {
		t.Fatalf("expected deleted record, found=%t err=%v", found, err)
	}
}

func TestBalanceIssueAndBurn(t *testing.T) {
	store := openTestStorage(t)
	if err := store.Issue("alice", "seth", big.NewInt(100)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	balance, err := store.BalanceOf("alice", "SETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100, got %s", balance)
	}
	if err := store.Burn("alice", "SETH", big.NewInt(40)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	balance, _ = store.BalanceOf("alice", "SETH")
	if balance.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected 60, got %s", balance)
	}
	if err := store.Burn("alice", "SETH", big.NewInt(61)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	balance, _ = store.BalanceOf("alice", "SETH")
	if balance.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("failed burn must not change balance, got %s", balance)
	}
}

func TestRecordRoundAssignsMonotonicIDs(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	first, err := store.RecordRound(ctx, "SETH", big.NewRat(100, 1), time.Unix(1000, 0), false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	second, err := store.RecordRound(ctx, "seth", big.NewRat(101, 1), time.Unix(1060, 0), false)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", first, second)
	}
	latest, found, err := store.LatestRound(ctx, "SETH")
	if err != nil || !found {
		t.Fatalf("latest: found=%t err=%v", found, err)
	}
	if latest.ID != 2 || latest.Rate != "101" {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestRoundAtOrBefore(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	for i, rate := range []int64{100, 110, 120} {
		if _, err := store.RecordRound(ctx, "SETH", big.NewRat(rate, 1), time.Unix(1000+int64(i)*100, 0), false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	round, found, err := store.RoundAtOrBefore(ctx, "SETH", 1, 1150)
	if err != nil || !found {
		t.Fatalf("lookup: found=%t err=%v", found, err)
	}
	if round.ID != 2 || round.Rate != "110" {
		t.Fatalf("expected round 2 at 110, got %+v", round)
	}
	if _, found, err = store.RoundAtOrBefore(ctx, "SETH", 1, 900); err != nil || found {
		t.Fatalf("expected no round before history, found=%t err=%v", found, err)
	}
}

func TestRecentRatesMostRecentFirst(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	for i, rate := range []int64{100, 110, 120, 130} {
		if _, err := store.RecordRound(ctx, "SETH", big.NewRat(rate, 1), time.Unix(1000+int64(i)*100, 0), false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	rates, err := store.RecentRates(ctx, "SETH", 3, 3)
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if len(rates) != 3 {
		t.Fatalf("expected 3 rates, got %d", len(rates))
	}
	for i, want := range []int64{120, 110, 100} {
		if rates[i].Cmp(big.NewRat(want, 1)) != 0 {
			t.Fatalf("rate %d: expected %d, got %s", i, want, rates[i])
		}
	}
}

func TestMarkRoundInvalid(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	if _, err := store.RecordRound(ctx, "SETH", big.NewRat(100, 1), time.Unix(1000, 0), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.MarkRoundInvalid(ctx, "SETH", 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	round, found, err := store.RoundByID(ctx, "SETH", 1)
	if err != nil || !found {
		t.Fatalf("lookup: found=%t err=%v", found, err)
	}
	if !round.Invalid {
		t.Fatalf("expected invalid flag set")
	}
	if err := store.MarkRoundInvalid(ctx, "SETH", 9); err == nil {
		t.Fatalf("expected error for unknown round")
	}
}

func TestTradeJournal(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	trade := Trade{
		ID:             uuid.NewString(),
		Account:        "alice",
		SourceAsset:    "SETH",
		SourceAmount:   "10",
		DestAsset:      "SBTC",
		AmountReceived: "1",
		Fee:            "0",
		Atomic:         true,
	}
	if err := store.RecordTrade(ctx, trade); err != nil {
		t.Fatalf("record: %v", err)
	}
	trades, err := store.TradesForAccount(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	got := trades[0]
	if got.ID != trade.ID || !got.Atomic || got.AmountReceived != "1" {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestUpdateExposure(t *testing.T) {
	store := openTestStorage(t)
	if err := store.UpdateExposure(
		[]exchange.Asset{"SETH", "SBTC"},
		[]*big.Rat{big.NewRat(100, 1), big.NewRat(1000, 1)},
	); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.UpdateExposure([]exchange.Asset{"SETH"}, nil); err == nil {
		t.Fatalf("expected alignment error")
	}
}
