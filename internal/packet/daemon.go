package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-pool/nxs-pool/internal/block"
)

// Daemon protocol header codes
const (
	DaemonBlockData    byte = 0
	DaemonSubmitBlock  byte = 1
	DaemonBlockHeight  byte = 2
	DaemonSetChannel   byte = 3
	DaemonBlockReward  byte = 4
	DaemonSetCoinbase  byte = 5
	DaemonGoodBlock    byte = 6
	DaemonOrphanBlock  byte = 7
	DaemonCheckBlock   byte = 64
	DaemonGetBlock     byte = 129
	DaemonGetHeight    byte = 130
	DaemonGetReward    byte = 131
	DaemonClearMap     byte = 132
	DaemonGetRound     byte = 133
	DaemonGood         byte = 200
	DaemonFail         byte = 201
	DaemonCoinbaseSet  byte = 202
	DaemonCoinbaseFail byte = 203
	DaemonNewRound     byte = 204
	DaemonOldRound     byte = 205
	DaemonPing         byte = 253
	DaemonClose        byte = 254
)

// DaemonMessage is a parsed inbound daemon packet
type DaemonMessage interface {
	daemonMessage()
}

// NewTemplate is a BLOCK_DATA reply carrying a fresh template
type NewTemplate struct {
	Block *block.Block
}

type BlockHeight struct {
	Height uint32
}

type BlockReward struct {
	Amount uint64
}

// GoodBlock confirms a block is still on the main chain
type GoodBlock struct {
	Hash []byte
}

// OrphanBlock reports a block that left the main chain
type OrphanBlock struct {
	Hash []byte
}

// SubmitGood and SubmitFail answer SUBMIT_BLOCK
type SubmitGood struct{}

type SubmitFail struct{}

type CoinbaseSet struct{}

type CoinbaseFail struct{}

type NewRound struct{}

type OldRound struct{}

type DaemonPong struct{}

// DaemonClosed is sent by the daemon before it drops the connection
type DaemonClosed struct{}

func (NewTemplate) daemonMessage()  {}
func (BlockHeight) daemonMessage()  {}
func (BlockReward) daemonMessage()  {}
func (GoodBlock) daemonMessage()    {}
func (OrphanBlock) daemonMessage()  {}
func (SubmitGood) daemonMessage()   {}
func (SubmitFail) daemonMessage()   {}
func (CoinbaseSet) daemonMessage()  {}
func (CoinbaseFail) daemonMessage() {}
func (NewRound) daemonMessage()     {}
func (OldRound) daemonMessage()     {}
func (DaemonPong) daemonMessage()   {}
func (DaemonClosed) daemonMessage() {}

// ParseDaemon decodes a packet received from the wallet daemon
func ParseDaemon(p Packet) (DaemonMessage, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHeader, p.Header)
	}

	switch p.Header {
	case DaemonBlockData:
		b, err := block.Deserialize(p.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrongLength, err)
		}
		return NewTemplate{Block: b}, nil

	case DaemonBlockHeight:
		if len(p.Data) != 4 {
			return nil, fmt.Errorf("%w: height of %d bytes", ErrWrongLength, len(p.Data))
		}
		return BlockHeight{Height: binary.BigEndian.Uint32(p.Data)}, nil

	case DaemonBlockReward:
		if len(p.Data) != 8 {
			return nil, fmt.Errorf("%w: reward of %d bytes", ErrWrongLength, len(p.Data))
		}
		return BlockReward{Amount: binary.BigEndian.Uint64(p.Data)}, nil

	case DaemonGoodBlock:
		return GoodBlock{Hash: p.Data}, nil
	case DaemonOrphanBlock:
		return OrphanBlock{Hash: p.Data}, nil

	case DaemonGood:
		return SubmitGood{}, nil
	case DaemonFail:
		return SubmitFail{}, nil
	case DaemonCoinbaseSet:
		return CoinbaseSet{}, nil
	case DaemonCoinbaseFail:
		return CoinbaseFail{}, nil
	case DaemonNewRound:
		return NewRound{}, nil
	case DaemonOldRound:
		return OldRound{}, nil
	case DaemonPing:
		return DaemonPong{}, nil
	case DaemonClose:
		return DaemonClosed{}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrInvalidHeader, p.Header)
}

// SetChannel selects the mining channel
func SetChannel(channel uint32) Packet {
	return New(DaemonSetChannel, uint32Payload(channel))
}

// SubmitBlock sends a solved block as merkle root and nonce
func SubmitBlock(merkle []byte, nonce uint64) Packet {
	data := make([]byte, block.MerkleSize, block.MerkleSize+8)
	copy(data, merkle)
	data = binary.BigEndian.AppendUint64(data, nonce)
	return New(DaemonSubmitBlock, data)
}

// SetCoinbase hands a serialized coinbase to the daemon
func SetCoinbase(serialized []byte) Packet {
	return New(DaemonSetCoinbase, serialized)
}

// CheckBlock asks whether a block is still on the main chain
func CheckBlock(hash []byte) Packet {
	return New(DaemonCheckBlock, hash)
}

// Header-only requests
var (
	GetBlockRequest  = Control(DaemonGetBlock)
	GetHeightRequest = Control(DaemonGetHeight)
	GetRewardRequest = Control(DaemonGetReward)
	GetRoundRequest  = Control(DaemonGetRound)
	DaemonPingPacket = Control(DaemonPing)
)

// EncodeHeight and EncodeReward build daemon replies, for tests and tools
func EncodeHeight(h uint32) Packet {
	return New(DaemonBlockHeight, uint32Payload(h))
}

func EncodeReward(amount uint64) Packet {
	return New(DaemonBlockReward, uint64Payload(amount))
}
