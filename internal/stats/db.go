// Package stats keeps the pool's SQL history: pool snapshots, rounds,
// account snapshots, per-account connection series, earnings and payments.
package stats

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexus-pool/nxs-pool/internal/util"
)

const timeLayout = time.RFC3339

// PoolRow is one pool snapshot
type PoolRow struct {
	Round       uint32
	Height      uint32
	Reward      uint64
	TotalShares uint64
	Connections int
}

// RoundRow is one closed round
type RoundRow struct {
	Round       uint32    `json:"round"`
	Height      uint32    `json:"height"`
	BlockHash   string    `json:"blockHash"`
	Reward      uint64    `json:"reward"`
	TotalShares uint64    `json:"totalShares"`
	Finder      string    `json:"finder"`
	Orphan      bool      `json:"orphan"`
	FoundAt     time.Time `json:"foundAt"`
}

// AccountRow is an account snapshot
type AccountRow struct {
	Address       string
	Connections   uint32
	RoundShares   uint64
	Balance       uint64
	PendingPayout uint64
}

// ConnectionRow is one sample of an account's connection series
type ConnectionRow struct {
	Address     string
	SeriesTime  time.Time
	Connections int
	PPS         float64
	WPS         float64
}

// HistoryRow is one earnings or payments entry
type HistoryRow struct {
	Address string    `json:"address"`
	Round   uint32    `json:"round"`
	Height  uint32    `json:"height"`
	Shares  uint64    `json:"shares,omitempty"`
	Amount  uint64    `json:"amount"`
	Time    time.Time `json:"time"`
}

// DB wraps the SQLite statistics database
type DB struct {
	db *sql.DB
	// modernc sqlite serialises writers poorly across connections
	mu sync.Mutex
}

// Open opens or creates the statistics database at path
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create stats tables: %w", err)
	}

	util.Infof("Stats database opened at %s", path)
	return &DB{db: db}, nil
}

func ensureTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pool_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_number INTEGER NOT NULL,
			block_number INTEGER,
			round_reward INTEGER,
			total_shares INTEGER,
			connection_count INTEGER,
			created_at_unix INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS round_history (
			round_number INTEGER PRIMARY KEY,
			block_number INTEGER,
			block_hash TEXT NOT NULL,
			round_reward INTEGER,
			total_shares INTEGER,
			block_finder TEXT NOT NULL,
			orphan INTEGER NOT NULL DEFAULT 0,
			block_found_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connection_history (
			account_address TEXT NOT NULL,
			series_time TEXT NOT NULL,
			last_save_time TEXT NOT NULL,
			connection_count INTEGER,
			pps REAL,
			wps REAL,
			PRIMARY KEY (account_address, series_time)
		)`,
		`CREATE TABLE IF NOT EXISTS account_data (
			account_address TEXT PRIMARY KEY,
			last_save_time TEXT NOT NULL,
			connection_count INTEGER,
			round_shares INTEGER,
			balance INTEGER,
			pending_payout INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS earnings_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_address TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			block_number INTEGER,
			round_shares INTEGER,
			amount_earned INTEGER,
			datetime TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_earnings_history ON earnings_history (account_address, round_number)`,
		`CREATE TABLE IF NOT EXISTS payment_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_address TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			block_number INTEGER,
			amount_paid INTEGER,
			datetime TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_history ON payment_history (account_address, round_number)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) exec(query string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(query, args...)
	return err
}

// UpdatePoolData appends a pool snapshot
func (d *DB) UpdatePoolData(row PoolRow) error {
	return d.exec(`INSERT INTO pool_data
		(round_number, block_number, round_reward, total_shares, connection_count, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.Round, row.Height, int64(row.Reward), int64(row.TotalShares), row.Connections, time.Now().Unix())
}

// AddRound stores a closed round. A round stored twice keeps the first row.
func (d *DB) AddRound(row RoundRow) error {
	return d.exec(`INSERT OR IGNORE INTO round_history
		(round_number, block_number, block_hash, round_reward, total_shares, block_finder, orphan, block_found_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Round, row.Height, row.BlockHash, int64(row.Reward), int64(row.TotalShares),
		row.Finder, boolInt(row.Orphan), row.FoundAt.UTC().Format(timeLayout))
}

// Rounds returns the most recent rounds, newest first
func (d *DB) Rounds(limit int) ([]RoundRow, error) {
	rows, err := d.db.Query(`SELECT round_number, block_number, block_hash, round_reward,
		total_shares, block_finder, orphan, block_found_time
		FROM round_history ORDER BY round_number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRow
	for rows.Next() {
		var (
			r        RoundRow
			reward   int64
			shares   int64
			foundRaw string
		)
		if err := rows.Scan(&r.Round, &r.Height, &r.BlockHash, &reward, &shares, &r.Finder, &r.Orphan, &foundRaw); err != nil {
			return nil, err
		}
		r.Reward, r.TotalShares = uint64(reward), uint64(shares)
		r.FoundAt, _ = time.Parse(timeLayout, foundRaw)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAccount upserts an account snapshot
func (d *DB) UpdateAccount(row AccountRow) error {
	return d.exec(`INSERT INTO account_data
		(account_address, last_save_time, connection_count, round_shares, balance, pending_payout)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_address) DO UPDATE SET
			last_save_time = excluded.last_save_time,
			connection_count = excluded.connection_count,
			round_shares = excluded.round_shares,
			balance = excluded.balance,
			pending_payout = excluded.pending_payout`,
		row.Address, time.Now().UTC().Format(timeLayout), row.Connections,
		int64(row.RoundShares), int64(row.Balance), int64(row.PendingPayout))
}

// Account reads an account snapshot
func (d *DB) Account(address string) (AccountRow, error) {
	row := AccountRow{Address: address}
	var shares, balance, pending int64
	err := d.db.QueryRow(`SELECT connection_count, round_shares, balance, pending_payout
		FROM account_data WHERE account_address = ?`, address).
		Scan(&row.Connections, &shares, &balance, &pending)
	row.RoundShares, row.Balance, row.PendingPayout = uint64(shares), uint64(balance), uint64(pending)
	return row, err
}

// ClearAccountRoundShares zeroes round shares in every account snapshot
func (d *DB) ClearAccountRoundShares() error {
	return d.exec(`UPDATE account_data SET round_shares = 0`)
}

// SaveConnection upserts one connection series sample
func (d *DB) SaveConnection(row ConnectionRow) error {
	return d.exec(`REPLACE INTO connection_history
		(account_address, series_time, last_save_time, connection_count, pps, wps)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.Address, row.SeriesTime.UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout),
		row.Connections, row.PPS, row.WPS)
}

// Earnings returns an account's most recent earnings
func (d *DB) Earnings(address string, limit int) ([]HistoryRow, error) {
	return d.history(`SELECT account_address, round_number, block_number, round_shares, amount_earned, datetime
		FROM earnings_history WHERE account_address = ? ORDER BY id DESC LIMIT ?`, address, limit)
}

// Payments returns an account's most recent coinbase payments
func (d *DB) Payments(address string, limit int) ([]HistoryRow, error) {
	return d.history(`SELECT account_address, round_number, block_number, 0, amount_paid, datetime
		FROM payment_history WHERE account_address = ? ORDER BY id DESC LIMIT ?`, address, limit)
}

func (d *DB) history(query, address string, limit int) ([]HistoryRow, error) {
	rows, err := d.db.Query(query, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			h              HistoryRow
			shares, amount int64
			at             string
		)
		if err := rows.Scan(&h.Address, &h.Round, &h.Height, &shares, &amount, &at); err != nil {
			return nil, err
		}
		h.Shares, h.Amount = uint64(shares), uint64(amount)
		h.Time, _ = time.Parse(timeLayout, at)
		out = append(out, h)
	}
	return out, rows.Err()
}

// The methods below mirror payout history. Failures are logged and never
// stop a payout.

// AddEarning records a credit
func (d *DB) AddEarning(address string, round, height uint32, shares, amount uint64, at time.Time) {
	err := d.exec(`INSERT INTO earnings_history
		(account_address, round_number, block_number, round_shares, amount_earned, datetime)
		VALUES (?, ?, ?, ?, ?, ?)`,
		address, round, height, int64(shares), int64(amount), at.UTC().Format(timeLayout))
	if err != nil {
		util.Warnf("Stats: failed to record earning for %s: %v", address, err)
	}
}

// AddPayment records a coinbase output paid to an account
func (d *DB) AddPayment(address string, round, height uint32, amount uint64, at time.Time) {
	err := d.exec(`INSERT INTO payment_history
		(account_address, round_number, block_number, amount_paid, datetime)
		VALUES (?, ?, ?, ?, ?)`,
		address, round, height, int64(amount), at.UTC().Format(timeLayout))
	if err != nil {
		util.Warnf("Stats: failed to record payment for %s: %v", address, err)
	}
}

// FlagRoundOrphan marks a stored round as orphaned
func (d *DB) FlagRoundOrphan(round uint32) {
	if err := d.exec(`UPDATE round_history SET orphan = 1 WHERE round_number = ?`, round); err != nil {
		util.Warnf("Stats: failed to flag round %d as orphan: %v", round, err)
	}
}

// DeleteRoundPayouts drops the earnings and payments of a round
func (d *DB) DeleteRoundPayouts(round uint32) {
	if err := d.exec(`DELETE FROM earnings_history WHERE round_number = ?`, round); err != nil {
		util.Warnf("Stats: failed to delete earnings of round %d: %v", round, err)
	}
	if err := d.exec(`DELETE FROM payment_history WHERE round_number = ?`, round); err != nil {
		util.Warnf("Stats: failed to delete payments of round %d: %v", round, err)
	}
}
