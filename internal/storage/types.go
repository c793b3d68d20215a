// Package storage persists the pool ledger: accounts, block records and a
// few round counters, on Redis, bbolt or memory.
package storage

import "errors"

// ErrNotFound is returned for missing ledger keys
var ErrNotFound = errors.New("record not found")

// Account is a payee. RoundShares is the weight earned in the open round;
// Balance is what the pool owes the address.
type Account struct {
	Address     string `json:"address" cbor:"address"`
	RoundShares uint64 `json:"roundShares" cbor:"round_shares"`
	Balance     uint64 `json:"balance" cbor:"balance"`
	Connections uint32 `json:"connections" cbor:"connections"`
	Created     int64  `json:"created" cbor:"created"`
	LastSeen    int64  `json:"lastSeen" cbor:"last_seen"`
}

// BlockRecord captures what a solved round paid, so an orphan can be
// reversed. Coinbase and Credits are serialized payout snapshots.
type BlockRecord struct {
	Hash          string `json:"hash" cbor:"hash"`
	Round         uint32 `json:"round" cbor:"round"`
	Height        uint32 `json:"height" cbor:"height"`
	Coinbase      []byte `json:"coinbase" cbor:"coinbase"`
	CoinbaseMax   uint64 `json:"coinbaseMax" cbor:"coinbase_max"`
	CoinbaseValue uint64 `json:"coinbaseValue" cbor:"coinbase_value"`
	Credits       []byte `json:"credits" cbor:"credits"`
	Reward        uint64 `json:"reward" cbor:"reward"`
	RoundWeight   uint64 `json:"roundWeight" cbor:"round_weight"`
	Finder        string `json:"finder" cbor:"finder"`
	Orphan        bool   `json:"orphan" cbor:"orphan"`
	Timestamp     int64  `json:"timestamp" cbor:"timestamp"`
}

// Refunded reports whether the record was already reversed
func (b *BlockRecord) Refunded() bool {
	return b.CoinbaseValue == 0
}

// Meta keys
const (
	MetaRound  = "round"
	MetaHeight = "height"
)

// Table names used by backends
const (
	TableAccounts = "accounts"
	TableBlocks   = "blocks"
	TableMeta     = "meta"
)
