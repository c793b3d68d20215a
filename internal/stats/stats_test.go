package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "stats", "pool.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Error("Open() should reject an empty path")
	}
}

func TestOpenTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	db.Close()
}

func TestRoundHistory(t *testing.T) {
	db := openTestDB(t)
	found := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for r := uint32(1); r <= 3; r++ {
		err := db.AddRound(RoundRow{
			Round:     r,
			Height:    1000 + r,
			BlockHash: "hash",
			Reward:    uint64(r) * 100,
			Finder:    "finder",
			FoundAt:   found,
		})
		if err != nil {
			t.Fatalf("AddRound(%d) error = %v", r, err)
		}
	}
	// duplicates keep the first row
	if err := db.AddRound(RoundRow{Round: 2, BlockHash: "other", Finder: "x", FoundAt: found}); err != nil {
		t.Fatalf("AddRound() duplicate error = %v", err)
	}

	db.FlagRoundOrphan(2)

	rounds, err := db.Rounds(10)
	if err != nil {
		t.Fatalf("Rounds() error = %v", err)
	}
	if len(rounds) != 3 {
		t.Fatalf("Rounds() returned %d rows, want 3", len(rounds))
	}
	if rounds[0].Round != 3 {
		t.Errorf("first round = %d, want 3 (newest first)", rounds[0].Round)
	}
	if !rounds[1].Orphan || rounds[1].BlockHash != "hash" {
		t.Errorf("round 2 = %+v", rounds[1])
	}
	if rounds[2].Orphan {
		t.Error("round 1 should not be orphaned")
	}
	if !rounds[0].FoundAt.Equal(found) {
		t.Errorf("FoundAt = %v, want %v", rounds[0].FoundAt, found)
	}
}

func TestEarningsAndPayments(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	db.AddEarning("alice", 5, 100, 30, 700, now)
	db.AddEarning("alice", 6, 101, 10, 200, now)
	db.AddEarning("bob", 5, 100, 10, 300, now)
	db.AddPayment("alice", 6, 101, 900, now)

	earnings, err := db.Earnings("alice", 10)
	if err != nil {
		t.Fatalf("Earnings() error = %v", err)
	}
	if len(earnings) != 2 || earnings[0].Round != 6 || earnings[0].Amount != 200 {
		t.Errorf("Earnings(alice) = %+v", earnings)
	}

	payments, err := db.Payments("alice", 10)
	if err != nil {
		t.Fatalf("Payments() error = %v", err)
	}
	if len(payments) != 1 || payments[0].Amount != 900 {
		t.Errorf("Payments(alice) = %+v", payments)
	}

	db.DeleteRoundPayouts(6)

	earnings, _ = db.Earnings("alice", 10)
	if len(earnings) != 1 || earnings[0].Round != 5 {
		t.Errorf("Earnings(alice) after delete = %+v", earnings)
	}
	payments, _ = db.Payments("alice", 10)
	if len(payments) != 0 {
		t.Errorf("Payments(alice) after delete = %+v", payments)
	}
}

type staticSource []ConnectionRow

func (s staticSource) ConnectionSamples() []ConnectionRow { return s }

func TestCollectorPersist(t *testing.T) {
	db := openTestDB(t)
	ledger := storage.NewLedger(storage.NewMemoryBackend(), storage.JSONCodec{})
	state := round.New()

	ledger.Login("alice")
	ledger.AddRoundShares("alice", 40)
	ledger.Accounts.Mutate("alice", func(a *storage.Account, _ bool) { a.Balance = 500 })

	pending := func(addr string) uint64 {
		if addr == "alice" {
			return 123
		}
		return 0
	}
	c := NewCollector(db, ledger, state, pending, time.Second)
	c.SetConnectionSource(staticSource{{Address: "alice", Connections: 1, PPS: 2.5, WPS: 0.5}})
	c.Persist()

	row, err := db.Account("alice")
	if err != nil {
		t.Fatalf("Account() error = %v", err)
	}
	if row.RoundShares != 40 || row.Balance != 500 || row.PendingPayout != 123 || row.Connections != 1 {
		t.Errorf("account row = %+v", row)
	}

	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM connection_history`).Scan(&count); err != nil {
		t.Fatalf("count connections error = %v", err)
	}
	if count != 1 {
		t.Errorf("connection rows = %d, want 1", count)
	}
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM pool_data`).Scan(&count); err != nil {
		t.Fatalf("count pool data error = %v", err)
	}
	if count != 1 {
		t.Errorf("pool rows = %d, want 1", count)
	}

	c.CloseRound(RoundRow{Round: 1, BlockHash: "h", Finder: "alice", FoundAt: time.Now()})
	row, _ = db.Account("alice")
	if row.RoundShares != 0 {
		t.Errorf("RoundShares after CloseRound = %d, want 0", row.RoundShares)
	}
}

func TestCollectorStartStop(t *testing.T) {
	db := openTestDB(t)
	ledger := storage.NewLedger(storage.NewMemoryBackend(), storage.JSONCodec{})
	c := NewCollector(db, ledger, round.New(), nil, 10*time.Millisecond)

	c.Start()
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM pool_data`).Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count < 1 {
		t.Errorf("pool rows = %d, want at least 1", count)
	}
}
