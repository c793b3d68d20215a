package payout

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

const (
	// FinderBonus is the share of the fee-adjusted reward paid to the last finder
	FinderBonus = 0.02
	// MaxAccountOutputs leaves one coinbase slot for the remainder recipient
	MaxAccountOutputs = MaxOutputs - 1

	// coinUnits is used only for human readable log amounts
	coinUnits = 1000000.0
)

var ErrNoRecipient = errors.New("no recipient for coinbase remainder")

// Recorder mirrors payout history into the statistics store
type Recorder interface {
	AddEarning(address string, round, height uint32, shares, amount uint64, at time.Time)
	AddPayment(address string, round, height uint32, amount uint64, at time.Time)
	FlagRoundOrphan(round uint32)
	DeleteRoundPayouts(round uint32)
}

// Manager applies round rewards to the ledger and keeps the coinbase the
// daemon is currently mining with.
type Manager struct {
	ledger      *storage.Ledger
	state       *round.State
	feeFraction float64
	feeAddress  string
	recorder    Recorder

	mu       sync.RWMutex
	coinbase *Coinbase
}

// NewManager creates a manager. feeFraction is the pool fee as a fraction
// (0.01 for one percent).
func NewManager(ledger *storage.Ledger, state *round.State, feeFraction float64, feeAddress string) *Manager {
	return &Manager{
		ledger:      ledger,
		state:       state,
		feeFraction: feeFraction,
		feeAddress:  feeAddress,
	}
}

// SetRecorder attaches a history recorder
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// Coinbase returns a copy of the current coinbase, or nil
func (m *Manager) Coinbase() *Coinbase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.coinbase == nil {
		return nil
	}
	return m.coinbase.Clone()
}

// SetCoinbase replaces the current coinbase
func (m *Manager) SetCoinbase(c *Coinbase) {
	m.mu.Lock()
	m.coinbase = c
	m.mu.Unlock()
}

// PendingPayout is the amount the current coinbase pays to address
func (m *Manager) PendingPayout(address string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.coinbase == nil {
		return 0
	}
	v, _ := m.coinbase.Output(address)
	return v
}

// TotalWeight sums the round shares of every account
func (m *Manager) TotalWeight() uint64 {
	var total uint64
	for _, key := range m.ledger.Accounts.GetKeys() {
		acct, err := m.ledger.Accounts.GetRecord(key)
		if err != nil {
			continue
		}
		total += acct.RoundShares
	}
	return total
}

func (m *Manager) fee(amount uint64) uint64 {
	return uint64(float64(amount) * m.feeFraction)
}

// BuildCoinbase builds the payout transaction for a block reward. Accounts
// are paid their balance, largest first, until the coinbase is full; the
// remainder goes to lastFinder, or the fee address when there is none.
func (m *Manager) BuildCoinbase(amount uint64, lastFinder string) (*Coinbase, error) {
	fee := m.fee(amount)
	cb := NewCoinbase(amount-fee, fee)

	type payee struct {
		address string
		balance uint64
	}
	var payees []payee
	for _, key := range m.ledger.Accounts.GetKeys() {
		acct, err := m.ledger.Accounts.GetRecord(key)
		if err != nil || acct.Balance == 0 {
			continue
		}
		payees = append(payees, payee{key, acct.Balance})
	}
	sort.SliceStable(payees, func(i, j int) bool {
		if payees[i].balance != payees[j].balance {
			return payees[i].balance > payees[j].balance
		}
		return payees[i].address < payees[j].address
	})

	for _, p := range payees {
		if cb.IsComplete() || len(cb.Outputs) >= MaxAccountOutputs {
			break
		}
		cb.AddTransaction(p.address, min(p.balance, cb.Remainder()))
	}

	if !cb.IsComplete() {
		recipient := lastFinder
		if recipient == "" {
			recipient = m.feeAddress
		}
		if recipient == "" {
			return nil, ErrNoRecipient
		}
		cb.AddTransaction(recipient, cb.Remainder())
	}

	util.Infof("[COINBASE] Built coinbase: %d outputs, max %.6f, fee %.6f, complete %v",
		len(cb.Outputs), float64(cb.MaxValue)/coinUnits, float64(cb.PoolFee)/coinUnits, cb.IsComplete())

	m.SetCoinbase(cb)
	return cb.Clone(), nil
}

// UpdateBalances distributes a round reward. The fee comes off first, then
// the finder bonus; the rest is split by round weight, never paying out more
// than is left after rounding. Accounts paid by the
// round's coinbase are debited in the same pass, and the weight that was paid
// for comes off each account's round shares; shares credited meanwhile carry
// into the next round. A block record keyed by blockHash keeps enough to
// reverse everything with RefundPayouts.
func (m *Manager) UpdateBalances(reward uint64, blockHash, lastFinder string) (*storage.BlockRecord, error) {
	now := time.Now()
	roundNum, height := m.state.Round(), m.state.Height()

	m.mu.Lock()
	cb := m.coinbase
	m.coinbase = nil
	m.mu.Unlock()

	record := storage.BlockRecord{
		Hash:      blockHash,
		Round:     roundNum,
		Height:    height,
		Reward:    reward,
		Finder:    lastFinder,
		Timestamp: now.Unix(),
	}
	if cb != nil {
		data, err := cb.Serialize()
		if err != nil {
			return nil, fmt.Errorf("snapshot coinbase: %w", err)
		}
		record.Coinbase = data
		record.CoinbaseMax = cb.MaxValue
		record.CoinbaseValue = cb.MaxValue + cb.PoolFee
	} else {
		record.CoinbaseValue = reward
	}

	credits := NewCredits()
	reward -= m.fee(reward)

	if lastFinder != "" {
		bonus := uint64(float64(reward) * FinderBonus)
		m.credit(lastFinder, bonus)
		credits.Add(lastFinder, bonus)
		m.recordEarning(lastFinder, roundNum, height, 0, bonus, now)
		util.Infof("[ACCOUNT] Block finder bonus to %s of %.6f", lastFinder, float64(bonus)/coinUnits)
		reward -= bonus
	}

	keys := m.ledger.Accounts.GetKeys()
	shares := make(map[string]uint64, len(keys))
	var totalWeight uint64
	for _, key := range keys {
		acct, err := m.ledger.Accounts.GetRecord(key)
		if err != nil {
			continue
		}
		shares[key] = acct.RoundShares
		totalWeight += acct.RoundShares
	}

	var distributed uint64
	for _, key := range keys {
		var paid, earned uint64
		weight := shares[key]

		acct := m.ledger.Accounts.Mutate(key, func(a *storage.Account, _ bool) {
			a.RoundShares -= min(weight, a.RoundShares)
			if cb != nil {
				if out, ok := cb.Output(key); ok {
					paid = out
					a.Balance -= min(out, a.Balance)
				}
			}
			if weight > 0 && totalWeight > 0 {
				earned = uint64(math.Round(float64(weight) / float64(totalWeight) * float64(reward)))
				earned = min(earned, reward-distributed)
				a.Balance += earned
			}
		})

		if paid > 0 && m.recorder != nil {
			m.recorder.AddPayment(key, roundNum, height, paid, now)
		}
		if earned > 0 {
			distributed += earned
			credits.Add(key, earned)
			m.recordEarning(key, roundNum, height, weight, earned, now)
			util.Infof("[ACCOUNT] Account %s | Credit %.6f | Balance %.6f",
				key, float64(earned)/coinUnits, float64(acct.Balance)/coinUnits)
		}
	}

	if reward > distributed && lastFinder != "" {
		rest := reward - distributed
		m.credit(lastFinder, rest)
		credits.Add(lastFinder, rest)
		m.recordEarning(lastFinder, roundNum, height, 0, rest, now)
		util.Infof("[ACCOUNT] Block finder additional credit to %s of %.6f", lastFinder, float64(rest)/coinUnits)
	}

	data, err := credits.Serialize()
	if err != nil {
		return nil, fmt.Errorf("snapshot credits: %w", err)
	}
	record.Credits = data
	record.RoundWeight = totalWeight

	m.ledger.Blocks.UpdateRecord(blockHash, record)
	if err := m.ledger.WriteToDisk(); err != nil {
		util.Errorf("Failed to persist ledger after payout: %v", err)
	}

	util.Infof("[ACCOUNT] Balances updated. Round %d weight %d, distributed %.6f of %.6f",
		roundNum, totalWeight, float64(credits.Total())/coinUnits, float64(reward)/coinUnits)
	return &record, nil
}

// RefundPayouts reverses a block record's credits and coinbase payouts. It
// reports false when the record was already refunded.
func (m *Manager) RefundPayouts(blockHash string) (bool, error) {
	record, err := m.ledger.Blocks.GetRecord(blockHash)
	if err != nil {
		return false, err
	}
	if record.Refunded() {
		return false, nil
	}

	credits := NewCredits()
	if len(record.Credits) > 0 {
		if credits, err = DeserializeCredits(record.Credits); err != nil {
			return false, fmt.Errorf("block %s credits: %w", util.ShortHash(blockHash), err)
		}
	}

	var cb *Coinbase
	if len(record.Coinbase) > 0 {
		if cb, err = DeserializeCoinbase(record.Coinbase, record.CoinbaseMax); err != nil {
			return false, fmt.Errorf("block %s coinbase: %w", util.ShortHash(blockHash), err)
		}
	}

	record.CoinbaseValue = 0
	record.Orphan = true

	for _, addr := range sortedAddresses(credits.Amounts) {
		amount := credits.Amounts[addr]
		m.ledger.Accounts.Mutate(addr, func(a *storage.Account, exists bool) {
			if !exists {
				a.Address = addr
			}
			a.Balance -= min(amount, a.Balance)
		})
		util.Infof("[ACCOUNT] Account %s removed %.6f credits", addr, float64(amount)/coinUnits)
	}

	if cb != nil {
		for _, addr := range cb.Addresses() {
			amount := cb.Outputs[addr]
			m.ledger.Accounts.Mutate(addr, func(a *storage.Account, exists bool) {
				if !exists {
					a.Address = addr
				}
				a.Balance += amount
			})
			util.Infof("[ACCOUNT] Account %s refunded %.6f", addr, float64(amount)/coinUnits)
		}
	}

	if m.recorder != nil {
		m.recorder.FlagRoundOrphan(record.Round)
		m.recorder.DeleteRoundPayouts(record.Round)
	}

	m.ledger.Blocks.UpdateRecord(blockHash, record)
	if err := m.ledger.WriteToDisk(); err != nil {
		util.Errorf("Failed to persist ledger after refund: %v", err)
	}

	util.Warnf("[ACCOUNT] Refunded round %d for orphaned block %s", record.Round, util.ShortHash(blockHash))
	return true, nil
}

// RecentBlocks returns block records of the last n rounds, newest first
func (m *Manager) RecentBlocks(rounds uint32) []storage.BlockRecord {
	current := m.state.Round()
	var out []storage.BlockRecord
	for _, key := range m.ledger.Blocks.GetKeys() {
		rec, err := m.ledger.Blocks.GetRecord(key)
		if err != nil {
			continue
		}
		if rec.Round+rounds >= current {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	return out
}

func (m *Manager) credit(address string, amount uint64) {
	m.ledger.Accounts.Mutate(address, func(a *storage.Account, exists bool) {
		if !exists {
			a.Address = address
			a.Created = time.Now().Unix()
		}
		a.Balance += amount
	})
}

func (m *Manager) recordEarning(address string, roundNum, height uint32, shares, amount uint64, at time.Time) {
	if m.recorder != nil {
		m.recorder.AddEarning(address, roundNum, height, shares, amount, at)
	}
}
