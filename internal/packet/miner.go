package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nexus-pool/nxs-pool/internal/block"
)

// Miner protocol header codes
const (
	MinerLogin          byte = 0
	MinerBlockData      byte = 1
	MinerSubmitShare    byte = 2
	MinerAccountBalance byte = 3
	MinerPendingPayout  byte = 4
	MinerSubmitPPS      byte = 5

	MinerGetBlock   byte = 129
	MinerNewBlock   byte = 130
	MinerGetBalance byte = 131
	MinerGetPayout  byte = 132

	MinerAccept byte = 200
	MinerReject byte = 201
	MinerBlock  byte = 202
	MinerStale  byte = 203

	MinerPing  byte = 253
	MinerClose byte = 254
)

const (
	// MaxLoginLength bounds the address carried by LOGIN
	MaxLoginLength = 55
	// SubmitShareLength is origin hash plus nonce
	SubmitShareLength = block.HashSize + 8
	// SubmitPPSLength is two doubles
	SubmitPPSLength = 16
)

// MinerMessage is a parsed inbound miner packet
type MinerMessage interface {
	minerMessage()
}

type Login struct {
	Address string
}

type SubmitShare struct {
	Hash  block.Hash
	Nonce uint64
}

type GetBlock struct{}

type GetBalance struct{}

type GetPayout struct{}

type Ping struct{}

// SubmitPPS carries the miner's self-reported primes and weighted sums per second
type SubmitPPS struct {
	PPS float64
	WPS float64
}

func (Login) minerMessage()       {}
func (SubmitShare) minerMessage() {}
func (GetBlock) minerMessage()    {}
func (GetBalance) minerMessage()  {}
func (GetPayout) minerMessage()   {}
func (Ping) minerMessage()        {}
func (SubmitPPS) minerMessage()   {}

// IsMinerResponseOnly reports codes only the pool may send
func IsMinerResponseOnly(header byte) bool {
	switch header {
	case MinerBlockData, MinerAccountBalance, MinerPendingPayout, MinerNewBlock,
		MinerAccept, MinerReject, MinerBlock, MinerStale, MinerClose:
		return true
	}
	return false
}

// ParseMiner decodes a packet received from a miner. Any error is a
// protocol violation.
func ParseMiner(p Packet) (MinerMessage, error) {
	if IsMinerResponseOnly(p.Header) {
		return nil, fmt.Errorf("%w: %d", ErrResponseOnly, p.Header)
	}
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHeader, p.Header)
	}

	switch p.Header {
	case MinerLogin:
		if len(p.Data) > MaxLoginLength {
			return nil, fmt.Errorf("%w: login of %d bytes", ErrOversized, len(p.Data))
		}
		return Login{Address: string(p.Data)}, nil

	case MinerSubmitShare:
		if len(p.Data) != SubmitShareLength {
			return nil, fmt.Errorf("%w: share of %d bytes", ErrWrongLength, len(p.Data))
		}
		var msg SubmitShare
		copy(msg.Hash[:], p.Data[:block.HashSize])
		msg.Nonce = binary.BigEndian.Uint64(p.Data[block.HashSize:])
		return msg, nil

	case MinerSubmitPPS:
		if len(p.Data) != SubmitPPSLength {
			return nil, fmt.Errorf("%w: pps of %d bytes", ErrWrongLength, len(p.Data))
		}
		return SubmitPPS{
			PPS: math.Float64frombits(binary.BigEndian.Uint64(p.Data[:8])),
			WPS: math.Float64frombits(binary.BigEndian.Uint64(p.Data[8:])),
		}, nil

	case MinerGetBlock:
		return GetBlock{}, nil
	case MinerGetBalance:
		return GetBalance{}, nil
	case MinerGetPayout:
		return GetPayout{}, nil
	case MinerPing:
		return Ping{}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrInvalidHeader, p.Header)
}

// BlockData wraps a template payload for a miner
func BlockData(payload []byte) Packet {
	return New(MinerBlockData, payload)
}

// AccountBalance answers GET_BALANCE
func AccountBalance(balance uint64) Packet {
	return New(MinerAccountBalance, uint64Payload(balance))
}

// PendingPayout answers GET_PAYOUT
func PendingPayout(amount uint64) Packet {
	return New(MinerPendingPayout, uint64Payload(amount))
}

// EncodeShare builds a SUBMIT_SHARE packet, as a miner would
func EncodeShare(hash block.Hash, nonce uint64) Packet {
	data := make([]byte, 0, SubmitShareLength)
	data = append(data, hash[:]...)
	data = binary.BigEndian.AppendUint64(data, nonce)
	return New(MinerSubmitShare, data)
}

// EncodePPS builds a SUBMIT_PPS packet, as a miner would
func EncodePPS(pps, wps float64) Packet {
	data := make([]byte, 0, SubmitPPSLength)
	data = binary.BigEndian.AppendUint64(data, math.Float64bits(pps))
	data = binary.BigEndian.AppendUint64(data, math.Float64bits(wps))
	return New(MinerSubmitPPS, data)
}
