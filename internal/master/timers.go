package master

import (
	"github.com/nexus-pool/nxs-pool/internal/block"
	"github.com/nexus-pool/nxs-pool/internal/packet"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// blockTick submits at most one solved block and forwards outstanding
// GET_BLOCK requests. Nothing runs while a coinbase is pending.
func (m *Master) blockTick() []packet.Packet {
	if m.state.CoinbasePending() {
		return nil
	}

	var out []packet.Packet

	if sub, ok := m.registry.TakeSubmission(); ok {
		b := sub.Block
		if b.Height == m.state.Height() {
			hash := b.Hash().String()
			out = append(out, packet.SubmitBlock(b.Merkle(), b.Nonce))
			m.state.SetLastFinder(sub.Address)
			m.state.SetSubmitted(hash)

			util.Infof("[DAEMON] Submitting block %s at height %d for %s", util.ShortHash(hash), b.Height, sub.Address)
			for _, o := range m.observers {
				o.BlockSubmitted(b.Height, hash, sub.Address)
			}
		} else {
			util.Warnf("[DAEMON] Stale block from %s at height %d, best is %d", sub.Address, b.Height, m.state.Height())
		}
	}

	for range m.registry.TakeRequests() {
		out = append(out, packet.GetBlockRequest)
	}
	return out
}

// orphanTick asks the wallet to re-check the blocks of recent rounds
func (m *Master) orphanTick() []packet.Packet {
	if m.state.CoinbasePending() {
		return nil
	}

	var out []packet.Packet
	for _, rec := range m.payouts.RecentBlocks(OrphanCheckRounds) {
		if rec.Orphan {
			continue
		}
		raw, err := util.HexToHash(rec.Hash, block.HashSize)
		if err != nil {
			util.Warnf("[DAEMON] Skipping orphan check for round %d: %v", rec.Round, err)
			continue
		}
		out = append(out, packet.CheckBlock(raw))
	}
	return out
}

// pollTick keeps the height current, asks for the reward once per pending
// coinbase and chases the round of an accepted block.
func (m *Master) pollTick() []packet.Packet {
	out := []packet.Packet{packet.GetHeightRequest}
	if m.state.ClaimRewardRequest() {
		out = append(out, packet.GetRewardRequest)
	}
	if hash, accepted := m.state.Submitted(); hash != "" && accepted {
		out = append(out, packet.GetRoundRequest)
	}
	return out
}

func (m *Master) maintenanceTick() []packet.Packet {
	sessions := m.registry.Prune()
	var filters int
	if m.policy != nil {
		filters = m.policy.Prune()
	}
	if sessions > 0 || filters > 0 {
		util.Debugf("[DAEMON] Maintenance removed %d sessions and %d filters", sessions, filters)
	}
	return nil
}

func (m *Master) persistTick() []packet.Packet {
	if err := m.ledger.WriteToDisk(); err != nil {
		util.Errorf("[DAEMON] Failed to persist ledger: %v", err)
	}
	return nil
}
