package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	_ "github.com/glebarez/sqlite"

	exchange "synthex/native/exchange"
)

// Storage wraps the exchanged persistence layer. It backs the engine's
// key-value state, the external balance ledger, the oracle round history, and
// the trade journal with a single SQLite database.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("exchanged storage path must be configured")

	// ErrInsufficientBalance is returned when a debit exceeds the holding.
	ErrInsufficientBalance = errors.New("exchanged: insufficient balance")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KVGet reads and rlp-decodes the value stored under key. It reports false
// when no record exists.
func (s *Storage) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	var blob []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query kv: %w", err)
	}
	if err := rlp.DecodeBytes(blob, out); err != nil {
		return false, fmt.Errorf("decode kv value: %w", err)
	}
	return true, nil
}

// KVPut rlp-encodes value and upserts it under key.
func (s *Storage) KVPut(key []byte, value interface{}) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	blob, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("encode kv value: %w", err)
	}
	_, err = s.db.Exec(`
        INSERT INTO kv(key, value) VALUES(?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, key, blob)
	if err != nil {
		return fmt.Errorf("upsert kv: %w", err)
	}
	return nil
}

// KVDelete removes the record stored under key.
func (s *Storage) KVDelete(key []byte) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

// BalanceOf returns the holding for (account, asset), zero when absent.
func (s *Storage) BalanceOf(account string, asset exchange.Asset) (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var amount string
	err := s.db.QueryRow(`
        SELECT amount FROM balances WHERE account = ? AND asset = ?
    `, account, string(exchange.NormaliseAsset(asset))).Scan(&amount)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return parseAmount(amount)
}

// Issue credits amount to (account, asset).
func (s *Storage) Issue(account string, asset exchange.Asset, amount *big.Int) error {
	return s.adjustBalance(account, asset, amount, false)
}

// Burn debits amount from (account, asset), failing when the holding is short.
func (s *Storage) Burn(account string, asset exchange.Asset, amount *big.Int) error {
	return s.adjustBalance(account, asset, amount, true)
}

func (s *Storage) adjustBalance(account string, asset exchange.Asset, amount *big.Int, debit bool) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("exchanged: amount must not be negative")
	}
	normalised := string(exchange.NormaliseAsset(asset))
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin balance tx: %w", err)
	}
	defer tx.Rollback()

	current := big.NewInt(0)
	var stored string
	err = tx.QueryRow(`
        SELECT amount FROM balances WHERE account = ? AND asset = ?
    `, account, normalised).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query balance: %w", err)
	}
	if err == nil {
		if current, err = parseAmount(stored); err != nil {
			return err
		}
	}
	next := new(big.Int)
	if debit {
		if current.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		next.Sub(current, amount)
	} else {
		next.Add(current, amount)
	}
	if _, err := tx.Exec(`
        INSERT INTO balances(account, asset, amount, updated_at) VALUES(?, ?, ?, ?)
        ON CONFLICT(account, asset) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at
    `, account, normalised, next.String(), time.Now().UTC()); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return tx.Commit()
}

// UpdateExposure records the latest observed rate per asset, keeping a running
// picture of which assets carry live conversion exposure.
func (s *Storage) UpdateExposure(assets []exchange.Asset, rates []*big.Rat) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if len(assets) != len(rates) {
		return fmt.Errorf("exchanged: exposure assets and rates must align")
	}
	now := time.Now().UTC()
	for i, asset := range assets {
		if rates[i] == nil {
			continue
		}
		if _, err := s.db.Exec(`
            INSERT INTO asset_exposure(asset, rate, updated_at) VALUES(?, ?, ?)
            ON CONFLICT(asset) DO UPDATE SET rate = excluded.rate, updated_at = excluded.updated_at
        `, string(exchange.NormaliseAsset(asset)), rates[i].RatString(), now); err != nil {
			return fmt.Errorf("update exposure: %w", err)
		}
	}
	return nil
}

// Round is one persisted oracle price round.
type Round struct {
	ID         uint64
	Rate       string
	ObservedAt int64
	Invalid    bool
}

// RecordRound appends a new price round for the asset and returns its id.
// Round identifiers increase monotonically per asset.
func (s *Storage) RecordRound(ctx context.Context, asset exchange.Asset, rate *big.Rat, observedAt time.Time, invalid bool) (uint64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	if rate == nil || rate.Sign() <= 0 {
		return 0, fmt.Errorf("exchanged: round rate must be positive")
	}
	normalised := string(exchange.NormaliseAsset(asset))
	if normalised == "" {
		return 0, fmt.Errorf("exchanged: round asset required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin round tx: %w", err)
	}
	defer tx.Rollback()

	var next uint64 = 1
	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
        SELECT MAX(round_id) FROM price_rounds WHERE asset = ?
    `, normalised).Scan(&latest); err != nil {
		return 0, fmt.Errorf("query latest round: %w", err)
	}
	if latest.Valid {
		next = uint64(latest.Int64) + 1
	}
	flag := 0
	if invalid {
		flag = 1
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO price_rounds(asset, round_id, rate, observed_at, invalid)
        VALUES(?, ?, ?, ?, ?)
    `, normalised, next, rate.RatString(), observedAt.UTC().Unix(), flag); err != nil {
		return 0, fmt.Errorf("insert round: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit round: %w", err)
	}
	return next, nil
}

// LatestRound returns the newest round for the asset. It reports false when
// the asset has no history.
func (s *Storage) LatestRound(ctx context.Context, asset exchange.Asset) (Round, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT round_id, rate, observed_at, invalid FROM price_rounds
        WHERE asset = ? ORDER BY round_id DESC LIMIT 1
    `, string(exchange.NormaliseAsset(asset)))
	return scanRound(row)
}

// RoundByID fetches a specific round.
func (s *Storage) RoundByID(ctx context.Context, asset exchange.Asset, id uint64) (Round, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT round_id, rate, observed_at, invalid FROM price_rounds
        WHERE asset = ? AND round_id = ?
    `, string(exchange.NormaliseAsset(asset)), id)
	return scanRound(row)
}

// RoundAtOrBefore returns the newest round at or before the cutoff timestamp,
// searching from fromRound onwards.
func (s *Storage) RoundAtOrBefore(ctx context.Context, asset exchange.Asset, fromRound uint64, cutoff int64) (Round, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT round_id, rate, observed_at, invalid FROM price_rounds
        WHERE asset = ? AND round_id >= ? AND observed_at <= ?
        ORDER BY round_id DESC LIMIT 1
    `, string(exchange.NormaliseAsset(asset)), fromRound, cutoff)
	return scanRound(row)
}

// RecentRates returns up to n rates ending at fromRound, most recent first.
func (s *Storage) RecentRates(ctx context.Context, asset exchange.Asset, n int, fromRound uint64) ([]*big.Rat, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT rate FROM price_rounds
        WHERE asset = ? AND round_id <= ?
        ORDER BY round_id DESC LIMIT ?
    `, string(exchange.NormaliseAsset(asset)), fromRound, n)
	if err != nil {
		return nil, fmt.Errorf("query rates: %w", err)
	}
	defer rows.Close()
	rates := make([]*big.Rat, 0, n)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan rate: %w", err)
		}
		rate, ok := new(big.Rat).SetString(raw)
		if !ok {
			return nil, fmt.Errorf("exchanged: invalid stored rate %q", raw)
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rates: %w", err)
	}
	return rates, nil
}

// MarkRoundInvalid flags an already recorded round as unusable.
func (s *Storage) MarkRoundInvalid(ctx context.Context, asset exchange.Asset, id uint64) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE price_rounds SET invalid = 1 WHERE asset = ? AND round_id = ?
    `, string(exchange.NormaliseAsset(asset)), id)
	if err != nil {
		return fmt.Errorf("mark round invalid: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("exchanged: round %d not found for %s", id, asset)
	}
	return nil
}

// Trade is one executed conversion persisted for audit.
type Trade struct {
	ID             string
	Account        string
	SourceAsset    string
	SourceAmount   string
	DestAsset      string
	AmountReceived string
	Fee            string
	Atomic         bool
	CreatedAt      time.Time
}

// RecordTrade journals an executed conversion.
func (s *Storage) RecordTrade(ctx context.Context, trade Trade) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(trade.ID) == "" {
		return fmt.Errorf("exchanged: trade id required")
	}
	created := trade.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	atomic := 0
	if trade.Atomic {
		atomic = 1
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO trades(id, account, src_asset, src_amount, dest_asset, amount_received, fee, atomic, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, trade.ID, trade.Account, trade.SourceAsset, trade.SourceAmount, trade.DestAsset, trade.AmountReceived, trade.Fee, atomic, created.UTC())
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// TradesForAccount lists the most recent trades for the account.
func (s *Storage) TradesForAccount(ctx context.Context, account string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, account, src_asset, src_amount, dest_asset, amount_received, fee, atomic, created_at
        FROM trades WHERE account = ? ORDER BY created_at DESC LIMIT ?
    `, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	trades := make([]Trade, 0, limit)
	for rows.Next() {
		var trade Trade
		var atomic int
		if err := rows.Scan(&trade.ID, &trade.Account, &trade.SourceAsset, &trade.SourceAmount, &trade.DestAsset, &trade.AmountReceived, &trade.Fee, &atomic, &trade.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trade.Atomic = atomic != 0
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return trades, nil
}

func scanRound(row *sql.Row) (Round, bool, error) {
	var round Round
	var invalid int
	err := row.Scan(&round.ID, &round.Rate, &round.ObservedAt, &invalid)
	if err == sql.ErrNoRows {
		return Round{}, false, nil
	}
	if err != nil {
		return Round{}, false, fmt.Errorf("scan round: %w", err)
	}
	round.Invalid = invalid != 0
	return round, true, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("exchanged: invalid stored amount %q", raw)
	}
	return amount, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key BLOB PRIMARY KEY,
    value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    account TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (account, asset)
);

CREATE TABLE IF NOT EXISTS price_rounds (
    asset TEXT NOT NULL,
    round_id INTEGER NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    invalid INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (asset, round_id)
);
CREATE INDEX IF NOT EXISTS idx_price_rounds_asset_ts ON price_rounds(asset, observed_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    account TEXT NOT NULL,
    src_asset TEXT NOT NULL,
    src_amount TEXT NOT NULL,
    dest_asset TEXT NOT NULL,
    amount_received TEXT NOT NULL,
    fee TEXT NOT NULL,
    atomic INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_account_ts ON trades(account, created_at);

CREATE TABLE IF NOT EXISTS asset_exposure (
    asset TEXT PRIMARY KEY,
    rate TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
