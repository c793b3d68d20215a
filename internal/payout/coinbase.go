// Package payout builds the pool coinbase and moves round rewards in and
// out of account balances.
package payout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// MaxOutputs is the most outputs the one byte count can describe
const MaxOutputs = 255

var ErrMalformed = errors.New("malformed payout data")

// Coinbase is the payout transaction for one round. Accumulated never
// exceeds MaxValue.
type Coinbase struct {
	Outputs     map[string]uint64
	MaxValue    uint64
	Accumulated uint64
	PoolFee     uint64
}

// NewCoinbase creates an empty coinbase paying at most max
func NewCoinbase(max, poolFee uint64) *Coinbase {
	return &Coinbase{
		Outputs:  make(map[string]uint64),
		MaxValue: max,
		PoolFee:  poolFee,
	}
}

// AddTransaction adds value for address. When that would exceed MaxValue
// nothing changes and the (negative) overflow is returned; otherwise the
// remaining room is returned.
func (c *Coinbase) AddTransaction(address string, value uint64) int64 {
	if value > c.MaxValue-c.Accumulated {
		return int64(c.MaxValue) - int64(c.Accumulated+value)
	}
	c.Outputs[address] += value
	c.Accumulated += value
	return int64(c.MaxValue - c.Accumulated)
}

// Remainder is the value still unassigned
func (c *Coinbase) Remainder() uint64 {
	return c.MaxValue - c.Accumulated
}

func (c *Coinbase) IsComplete() bool {
	return c.Accumulated == c.MaxValue
}

func (c *Coinbase) IsEmpty() bool {
	return c.Accumulated == 0
}

// Output returns the amount assigned to address
func (c *Coinbase) Output(address string) (uint64, bool) {
	v, ok := c.Outputs[address]
	return v, ok
}

// Addresses returns the output addresses in serialization order
func (c *Coinbase) Addresses() []string {
	return sortedAddresses(c.Outputs)
}

// Clone returns a deep copy
func (c *Coinbase) Clone() *Coinbase {
	out := NewCoinbase(c.MaxValue, c.PoolFee)
	for k, v := range c.Outputs {
		out.Outputs[k] = v
	}
	out.Accumulated = c.Accumulated
	return out
}

// Serialize encodes count (1 byte), pool fee (8 bytes), then per output in
// address order: address length (1 byte), address, value (8 bytes).
func (c *Coinbase) Serialize() ([]byte, error) {
	if len(c.Outputs) > MaxOutputs {
		return nil, fmt.Errorf("coinbase has %d outputs, max %d", len(c.Outputs), MaxOutputs)
	}

	out := []byte{byte(len(c.Outputs))}
	out = binary.BigEndian.AppendUint64(out, c.PoolFee)
	return appendEntries(out, c.Outputs)
}

// DeserializeCoinbase is the inverse of Serialize. max is stored beside the
// serialized form; Accumulated is rebuilt by summing the outputs.
func DeserializeCoinbase(data []byte, max uint64) (*Coinbase, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("%w: coinbase of %d bytes", ErrMalformed, len(data))
	}

	count := int(data[0])
	c := NewCoinbase(max, binary.BigEndian.Uint64(data[1:9]))

	outputs, err := readEntries(data[9:], count)
	if err != nil {
		return nil, err
	}
	for addr, v := range outputs {
		c.Outputs[addr] = v
		c.Accumulated += v
	}
	return c, nil
}

// Credits records what a round added to each balance, so an orphaned block
// can be reversed.
type Credits struct {
	Amounts map[string]uint64
}

func NewCredits() *Credits {
	return &Credits{Amounts: make(map[string]uint64)}
}

// Add accumulates a credit
func (c *Credits) Add(address string, value uint64) {
	c.Amounts[address] += value
}

// Total sums every credit
func (c *Credits) Total() uint64 {
	var total uint64
	for _, v := range c.Amounts {
		total += v
	}
	return total
}

// Serialize writes a uvarint count then the same entries as the coinbase
func (c *Credits) Serialize() ([]byte, error) {
	out := binary.AppendUvarint(nil, uint64(len(c.Amounts)))
	return appendEntries(out, c.Amounts)
}

// DeserializeCredits is the inverse of Credits.Serialize
func DeserializeCredits(data []byte) (*Credits, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: credits count", ErrMalformed)
	}
	amounts, err := readEntries(data[n:], int(count))
	if err != nil {
		return nil, err
	}
	return &Credits{Amounts: amounts}, nil
}

func sortedAddresses(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendEntries(out []byte, entries map[string]uint64) ([]byte, error) {
	for _, addr := range sortedAddresses(entries) {
		if len(addr) > 255 {
			return nil, fmt.Errorf("address %q too long", addr)
		}
		out = append(out, byte(len(addr)))
		out = append(out, addr...)
		out = binary.BigEndian.AppendUint64(out, entries[addr])
	}
	return out, nil
}

func readEntries(data []byte, count int) (map[string]uint64, error) {
	entries := make(map[string]uint64, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: entry %d missing", ErrMalformed, i)
		}
		length := int(data[pos])
		end := pos + 1 + length + 8
		if end > len(data) {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, i)
		}
		addr := string(data[pos+1 : pos+1+length])
		entries[addr] = binary.BigEndian.Uint64(data[pos+1+length : end])
		pos = end
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-pos)
	}
	return entries, nil
}
