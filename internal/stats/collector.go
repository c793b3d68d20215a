package stats

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// ConnectionSource reports per-account connection samples from live sessions
type ConnectionSource interface {
	ConnectionSamples() []ConnectionRow
}

// Collector periodically snapshots the pool, its accounts and the live
// connections into the stats database.
type Collector struct {
	db        *DB
	ledger    *storage.Ledger
	state     *round.State
	pending   func(address string) uint64
	sessions  ConnectionSource
	frequency time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector. pending returns the current coinbase
// output for an address and may be nil.
func NewCollector(db *DB, ledger *storage.Ledger, state *round.State, pending func(string) uint64, frequency time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	if frequency <= 0 {
		frequency = 10 * time.Second
	}
	return &Collector{
		db:        db,
		ledger:    ledger,
		state:     state,
		pending:   pending,
		frequency: frequency,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetConnectionSource attaches the miner listener
func (c *Collector) SetConnectionSource(src ConnectionSource) {
	c.sessions = src
}

// Start begins periodic persistence
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop ends the loop after a final snapshot
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
	c.Persist()
}

func (c *Collector) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.frequency)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Persist()
		}
	}
}

// Persist writes one snapshot of pool, accounts and connections
func (c *Collector) Persist() {
	var (
		totalShares uint64
		connections int
	)

	for _, key := range c.ledger.Accounts.GetKeys() {
		acct, err := c.ledger.Accounts.GetRecord(key)
		if err != nil {
			continue
		}
		totalShares += acct.RoundShares
		connections += int(acct.Connections)

		row := AccountRow{
			Address:     acct.Address,
			Connections: acct.Connections,
			RoundShares: acct.RoundShares,
			Balance:     acct.Balance,
		}
		if row.Address == "" {
			row.Address = key
		}
		if c.pending != nil {
			row.PendingPayout = c.pending(key)
		}
		if err := c.db.UpdateAccount(row); err != nil {
			util.Warnf("Stats: failed to save account %s: %v", key, err)
		}
	}

	err := c.db.UpdatePoolData(PoolRow{
		Round:       c.state.Round(),
		Height:      c.state.Height(),
		Reward:      c.state.RoundReward(),
		TotalShares: totalShares,
		Connections: connections,
	})
	if err != nil {
		util.Warnf("Stats: failed to save pool data: %v", err)
	}

	if c.sessions == nil {
		return
	}
	series := time.Now().Truncate(c.frequency)
	for _, sample := range c.sessions.ConnectionSamples() {
		sample.SeriesTime = series
		if err := c.db.SaveConnection(sample); err != nil {
			util.Warnf("Stats: failed to save connection data for %s: %v", sample.Address, err)
		}
	}
}

// CloseRound records a closed round and resets account round shares
func (c *Collector) CloseRound(row RoundRow) {
	if err := c.db.AddRound(row); err != nil {
		util.Warnf("Stats: failed to save round %d: %v", row.Round, err)
	}
	if err := c.db.ClearAccountRoundShares(); err != nil {
		util.Warnf("Stats: failed to clear round shares: %v", err)
	}
}
