package master

import (
	"errors"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/block"
	"github.com/nexus-pool/nxs-pool/internal/packet"
	"github.com/nexus-pool/nxs-pool/internal/stats"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// Handle applies one daemon message to the round state and returns the
// packets to send back.
func (m *Master) Handle(msg packet.DaemonMessage) []packet.Packet {
	switch msg := msg.(type) {
	case packet.BlockHeight:
		m.handleHeight(msg.Height)

	case packet.NewRound:
		m.handleNewRound()

	case packet.OldRound:
		util.Debug("[DAEMON] Old round")

	case packet.CoinbaseSet:
		m.state.SetCoinbasePending(false)
		if err := m.ledger.WriteToDisk(); err != nil {
			util.Errorf("[DAEMON] Failed to flush ledger: %v", err)
		}
		util.Infof("[DAEMON] Coinbase transaction set for round %d", m.state.Round())

	case packet.CoinbaseFail:
		util.Error("[DAEMON] Coinbase transaction not set, retrying")
		m.state.SetCoinbasePending(true)

	case packet.BlockReward:
		return m.handleReward(msg.Amount)

	case packet.OrphanBlock:
		m.handleOrphan(msg.Hash)

	case packet.GoodBlock:
		util.Debugf("[DAEMON] Block %s still on the main chain", util.ShortHash(util.HashToHex(msg.Hash)))

	case packet.SubmitGood:
		hash, ok := m.state.AcceptSubmitted()
		if !ok {
			util.Warn("[DAEMON] GOOD received with no block pending")
			return nil
		}
		util.Infof("[DAEMON] Block %s accepted by the network", util.ShortHash(hash))
		return []packet.Packet{packet.GetRoundRequest}

	case packet.SubmitFail:
		hash, _ := m.state.Submitted()
		m.state.ClearSubmitted()
		util.Warnf("[DAEMON] Block %s rejected by the network", util.ShortHash(hash))

	case packet.NewTemplate:
		m.handleTemplate(msg.Block)

	case packet.DaemonPong:
	}
	return nil
}

func (m *Master) handleHeight(height uint32) {
	if !m.state.UpdateHeight(height) {
		return
	}
	m.state.SetCoinbasePending(true)
	m.ledger.SetMeta(storage.MetaHeight, uint64(height))
	util.Infof("[DAEMON] New height %d", height)
}

// handleNewRound closes the round solved by an accepted submission, then
// arms the coinbase barrier.
func (m *Master) handleNewRound() {
	if hash, ok := m.state.TakeAccepted(); ok {
		m.closeRound(hash)
	}
	m.state.SetCoinbasePending(true)
}

func (m *Master) closeRound(hash string) {
	finder := m.state.LastFinder()

	rec, err := m.payouts.UpdateBalances(m.state.RoundReward(), hash, finder)
	if err != nil {
		util.Errorf("[ACCOUNT] Failed to update balances for block %s: %v", util.ShortHash(hash), err)
		return
	}

	next := m.state.NextRound()
	m.ledger.SetMeta(storage.MetaRound, uint64(next))
	n := m.registry.Rollover()
	util.Infof("[ROUND] Round %d closed by %s, starting round %d, %d miner sessions rolled over", rec.Round, finder, next, n)

	if m.rounds != nil {
		m.rounds.CloseRound(stats.RoundRow{
			Round:       rec.Round,
			Height:      rec.Height,
			BlockHash:   rec.Hash,
			Reward:      rec.Reward,
			TotalShares: rec.RoundWeight,
			Finder:      rec.Finder,
			FoundAt:     time.Unix(rec.Timestamp, 0),
		})
	}
	for _, o := range m.observers {
		o.RoundClosed(rec)
	}
}

func (m *Master) handleReward(amount uint64) []packet.Packet {
	m.state.SetRoundReward(amount)

	if !m.state.CoinbasePending() {
		return nil
	}
	if m.state.Round() <= 1 {
		m.state.SetCoinbasePending(false)
		return nil
	}

	cb, err := m.payouts.BuildCoinbase(amount, m.state.LastFinder())
	if err != nil {
		util.Errorf("[DAEMON] Failed to build coinbase: %v", err)
		m.state.SetCoinbasePending(false)
		return nil
	}
	data, err := cb.Serialize()
	if err != nil {
		util.Errorf("[DAEMON] Failed to serialize coinbase: %v", err)
		m.state.SetCoinbasePending(false)
		return nil
	}

	util.Infof("[DAEMON] Coinbase for round %d: %d outputs, %d of %d, complete %v",
		m.state.Round(), len(cb.Outputs), cb.Accumulated, cb.MaxValue, cb.IsComplete())
	return []packet.Packet{packet.SetCoinbase(data)}
}

func (m *Master) handleOrphan(raw []byte) {
	hash := util.HashToHex(raw)

	refunded, err := m.payouts.RefundPayouts(hash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		util.Warnf("[DAEMON] Orphan block %s is not one of ours", util.ShortHash(hash))
	case err != nil:
		util.Errorf("[DAEMON] Refund for orphan block %s failed: %v", util.ShortHash(hash), err)
	case refunded:
		if rec, err := m.ledger.Blocks.GetRecord(hash); err == nil {
			for _, o := range m.observers {
				o.BlockOrphaned(&rec)
			}
		}
	}

	m.state.SetCoinbasePending(true)
}

func (m *Master) handleTemplate(b *block.Block) {
	if b.Height != m.state.Height() {
		util.Debugf("[DAEMON] Block obsolete at height %d, skipping", b.Height)
		return
	}
	if m.hashFn != nil {
		b.Hasher = m.hashFn
	}
	if !m.registry.DeliverTemplate(b) {
		util.Debugf("[DAEMON] No session waiting for block at height %d", b.Height)
	}
}
