package oracle

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"synthex/services/exchanged/storage"
)

func newTestOracle(t *testing.T, maxAge time.Duration) (*Oracle, *storage.Storage) {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "oracle.sqlite"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	oracle, err := New(store, maxAge)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return oracle, store
}

func TestOracleCurrentRoundAndRate(t *testing.T) {
	oracle, store := newTestOracle(t, 0)
	ctx := context.Background()
	if _, err := oracle.CurrentRound("SETH"); err == nil {
		t.Fatalf("expected error without history")
	}
	if _, err := store.RecordRound(ctx, "SETH", big.NewRat(100, 1), time.Unix(1000, 0), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.RecordRound(ctx, "SETH", big.NewRat(110, 1), time.Unix(1100, 0), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	current, err := oracle.CurrentRound("SETH")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != 2 {
		t.Fatalf("expected round 2, got %d", current)
	}
	rate, err := oracle.RateAtRound("SETH", 1)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(big.NewRat(100, 1)) != 0 {
		t.Fatalf("unexpected rate %s", rate)
	}
}

func TestOracleRoundAtOrBeforeFallsBack(t *testing.T) {
	oracle, store := newTestOracle(t, 0)
	ctx := context.Background()
	for i, rate := range []int64{100, 110, 120} {
		if _, err := store.RecordRound(ctx, "SETH", big.NewRat(rate, 1), time.Unix(1000+int64(i)*100, 0), false); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	round, err := oracle.RoundAtOrBefore("SETH", 1, 1000, 150*time.Second)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if round != 2 {
		t.Fatalf("expected round 2 closing the window, got %d", round)
	}
	// A cutoff before all history falls back to the newest round.
	round, err = oracle.RoundAtOrBefore("SETH", 1, 0, 0)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if round != 3 {
		t.Fatalf("expected fallback to round 3, got %d", round)
	}
}

func TestOracleStaleness(t *testing.T) {
	oracle, store := newTestOracle(t, time.Minute)
	ctx := context.Background()
	now := time.Unix(2000, 0)
	oracle.SetClock(func() time.Time { return now })

	stale, err := oracle.IsStaleOrInvalid("SETH")
	if err != nil || !stale {
		t.Fatalf("missing history must read stale, got %t %v", stale, err)
	}
	if _, err := store.RecordRound(ctx, "SETH", big.NewRat(100, 1), time.Unix(1980, 0), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	stale, err = oracle.IsStaleOrInvalid("SETH")
	if err != nil || stale {
		t.Fatalf("fresh round must not read stale, got %t %v", stale, err)
	}
	now = time.Unix(2100, 0)
	stale, err = oracle.IsStaleOrInvalid("SETH")
	if err != nil || !stale {
		t.Fatalf("aged round must read stale, got %t %v", stale, err)
	}
}

func TestOracleInvalidRounds(t *testing.T) {
	oracle, store := newTestOracle(t, 0)
	ctx := context.Background()
	if _, err := store.RecordRound(ctx, "SETH", big.NewRat(100, 1), time.Unix(1000, 0), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.MarkRoundInvalid(ctx, "SETH", 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	invalid, err := oracle.RoundIsInvalid("SETH", 1)
	if err != nil || !invalid {
		t.Fatalf("expected invalid round, got %t %v", invalid, err)
	}
	stale, err := oracle.IsStaleOrInvalid("SETH")
	if err != nil || !stale {
		t.Fatalf("flagged newest round must read stale, got %t %v", stale, err)
	}
	// Unknown rounds are treated as invalid rather than tradeable.
	invalid, err = oracle.RoundIsInvalid("SETH", 42)
	if err != nil || !invalid {
		t.Fatalf("expected unknown round invalid, got %t %v", invalid, err)
	}
}

func TestDeviationBreaker(t *testing.T) {
	breaker := NewDeviationBreaker(500) // 5%
	if breaker.DeviationAboveThreshold(big.NewInt(104), big.NewInt(100)) {
		t.Fatalf("4%% deviation must not trip")
	}
	if !breaker.DeviationAboveThreshold(big.NewInt(106), big.NewInt(100)) {
		t.Fatalf("6%% deviation must trip")
	}
	if !breaker.DeviationAboveThreshold(big.NewInt(94), big.NewInt(100)) {
		t.Fatalf("deviation must trip in both directions")
	}
	if NewDeviationBreaker(0).DeviationAboveThreshold(big.NewInt(1), big.NewInt(100)) {
		t.Fatalf("disabled breaker must not trip")
	}
}
