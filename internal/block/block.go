// Package block parses the block templates handed out by the wallet daemon.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nexus-pool/nxs-pool/internal/util"
	"github.com/zeebo/blake3"
)

const (
	// HashSize is the width of an origin hash in bytes (1024 bits)
	HashSize = 128
	// MerkleSize is the merkle root width carried in SUBMIT_BLOCK
	MerkleSize = 64
	// MinSize is the shortest BLOCK_DATA payload accepted from the daemon
	MinSize = 152

	// MinerPayloadSize is hash, min share, bits and height
	MinerPayloadSize = HashSize + 12

	versionSize = 4
	trailerSize = 20
)

// ErrShortBlock is returned for daemon payloads below MinSize
var ErrShortBlock = errors.New("block data too short")

// Hash is a 1024-bit hash stored little-endian, as it travels on the wire
type Hash [HashSize]byte

// String renders the hash most-significant byte first
func (h Hash) String() string {
	return util.HashToHex(h[:])
}

// HashFromBytes copies a wire hash, which must be exactly HashSize bytes
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// HashFunc derives the origin hash from an encoded header, nonce excluded.
// It has to match the chain's block hash for solutions and orphan checks to
// line up with the daemon.
type HashFunc func(header []byte) Hash

// Blake3 is the HashFunc used when a template carries none. It reads a
// 1024-bit digest from the blake3 XOF.
func Blake3(header []byte) Hash {
	hasher := blake3.New()
	hasher.Write(header)

	var h Hash
	_, _ = hasher.Digest().Read(h[:])
	return h
}

// Block is a candidate block template
type Block struct {
	Version    uint32
	PrevHash   Hash
	MerkleRoot []byte
	Channel    uint32
	Height     uint32
	Bits       uint32
	Nonce      uint64

	// Hasher computes Hash; nil means Blake3
	Hasher HashFunc
}

// Deserialize parses a daemon BLOCK_DATA payload. The merkle root spans
// everything between the previous hash and the 20 byte trailer.
func Deserialize(data []byte) (*Block, error) {
	if len(data) < MinSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortBlock, len(data))
	}

	b := &Block{
		Version: binary.BigEndian.Uint32(data[:versionSize]),
	}
	copy(b.PrevHash[:], data[versionSize:versionSize+HashSize])

	merkleEnd := len(data) - trailerSize
	b.MerkleRoot = append([]byte(nil), data[versionSize+HashSize:merkleEnd]...)

	trailer := data[merkleEnd:]
	b.Channel = binary.BigEndian.Uint32(trailer[0:4])
	b.Height = binary.BigEndian.Uint32(trailer[4:8])
	b.Bits = binary.BigEndian.Uint32(trailer[8:12])
	b.Nonce = binary.BigEndian.Uint64(trailer[12:20])

	return b, nil
}

// Serialize is the inverse of Deserialize
func (b *Block) Serialize() []byte {
	out := b.header()
	return binary.BigEndian.AppendUint64(out, b.Nonce)
}

// header encodes every field except the nonce
func (b *Block) header() []byte {
	out := make([]byte, 0, versionSize+HashSize+len(b.MerkleRoot)+trailerSize)
	out = binary.BigEndian.AppendUint32(out, b.Version)
	out = append(out, b.PrevHash[:]...)
	out = append(out, b.MerkleRoot...)
	out = binary.BigEndian.AppendUint32(out, b.Channel)
	out = binary.BigEndian.AppendUint32(out, b.Height)
	out = binary.BigEndian.AppendUint32(out, b.Bits)
	return out
}

// Hash returns the origin hash miners search from. The nonce is excluded so
// the hash stays stable while the nonce is being searched.
func (b *Block) Hash() Hash {
	if b.Hasher != nil {
		return b.Hasher(b.header())
	}
	return Blake3(b.header())
}

// Merkle returns the merkle root padded or truncated to MerkleSize
func (b *Block) Merkle() []byte {
	out := make([]byte, MerkleSize)
	copy(out, b.MerkleRoot)
	return out
}

// MinerPayload is the BLOCK_DATA body sent to miners
func (b *Block) MinerPayload(minShare uint32) []byte {
	h := b.Hash()
	out := make([]byte, 0, MinerPayloadSize)
	out = append(out, h[:]...)
	out = binary.BigEndian.AppendUint32(out, minShare)
	out = binary.BigEndian.AppendUint32(out, b.Bits)
	out = binary.BigEndian.AppendUint32(out, b.Height)
	return out
}

// Clone returns a deep copy, so a solved nonce can be set without touching
// the template other sessions still hold.
func (b *Block) Clone() *Block {
	c := *b
	c.MerkleRoot = append([]byte(nil), b.MerkleRoot...)
	return &c
}
