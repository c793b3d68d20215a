package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func sampleBlock() *Block {
	b := &Block{
		Version:    7,
		MerkleRoot: bytes.Repeat([]byte{0xab}, MerkleSize),
		Channel:    1,
		Height:     100,
		Bits:       75000000,
		Nonce:      42,
	}
	for i := range b.PrevHash {
		b.PrevHash[i] = byte(i)
	}
	return b
}

func TestDeserializeRoundTrip(t *testing.T) {
	orig := sampleBlock()
	data := orig.Serialize()

	if len(data) != 216 {
		t.Fatalf("Serialize() length = %d, want 216", len(data))
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	if got.Version != orig.Version || got.Channel != orig.Channel ||
		got.Height != orig.Height || got.Bits != orig.Bits || got.Nonce != orig.Nonce {
		t.Errorf("Deserialize() = %+v, want %+v", got, orig)
	}
	if got.PrevHash != orig.PrevHash {
		t.Error("PrevHash mismatch")
	}
	if !bytes.Equal(got.MerkleRoot, orig.MerkleRoot) {
		t.Errorf("MerkleRoot = %x, want %x", got.MerkleRoot, orig.MerkleRoot)
	}
}

func TestDeserializeTrailerOffsets(t *testing.T) {
	data := make([]byte, MinSize)
	binary.BigEndian.PutUint32(data[MinSize-20:], 1)
	binary.BigEndian.PutUint32(data[MinSize-16:], 2)
	binary.BigEndian.PutUint32(data[MinSize-12:], 3)
	binary.BigEndian.PutUint64(data[MinSize-8:], 4)

	b, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if b.Channel != 1 || b.Height != 2 || b.Bits != 3 || b.Nonce != 4 {
		t.Errorf("trailer = (%d, %d, %d, %d), want (1, 2, 3, 4)", b.Channel, b.Height, b.Bits, b.Nonce)
	}
	if len(b.MerkleRoot) != 0 {
		t.Errorf("MerkleRoot length = %d, want 0", len(b.MerkleRoot))
	}
}

func TestDeserializeShort(t *testing.T) {
	_, err := Deserialize(make([]byte, MinSize-1))
	if !errors.Is(err, ErrShortBlock) {
		t.Errorf("Deserialize() error = %v, want ErrShortBlock", err)
	}
}

func TestHashIgnoresNonce(t *testing.T) {
	a := sampleBlock()
	b := a.Clone()
	b.Nonce = 99999

	if a.Hash() != b.Hash() {
		t.Error("Hash() should not depend on the nonce")
	}

	b.Height++
	if a.Hash() == b.Hash() {
		t.Error("Hash() should change with the height")
	}
}

func TestHashDeterministic(t *testing.T) {
	b := sampleBlock()
	if b.Hash() != b.Hash() {
		t.Error("Hash() is not deterministic")
	}
	if b.Hash() == (Hash{}) {
		t.Error("Hash() returned the zero hash")
	}
}

func TestMinerPayload(t *testing.T) {
	b := sampleBlock()
	payload := b.MinerPayload(40000000)

	if len(payload) != MinerPayloadSize {
		t.Fatalf("MinerPayload() length = %d, want %d", len(payload), MinerPayloadSize)
	}

	h := b.Hash()
	if !bytes.Equal(payload[:HashSize], h[:]) {
		t.Error("MinerPayload() should start with the origin hash")
	}
	if got := binary.BigEndian.Uint32(payload[HashSize:]); got != 40000000 {
		t.Errorf("min share = %d, want 40000000", got)
	}
	if got := binary.BigEndian.Uint32(payload[HashSize+4:]); got != b.Bits {
		t.Errorf("bits = %d, want %d", got, b.Bits)
	}
	if got := binary.BigEndian.Uint32(payload[HashSize+8:]); got != b.Height {
		t.Errorf("height = %d, want %d", got, b.Height)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := sampleBlock()
	c := a.Clone()
	c.MerkleRoot[0] = 0
	c.Nonce = 1

	if a.MerkleRoot[0] != 0xab || a.Nonce != 42 {
		t.Error("Clone() shares state with the original")
	}
}

func TestMerklePadding(t *testing.T) {
	b := &Block{MerkleRoot: []byte{1, 2, 3}}
	m := b.Merkle()
	if len(m) != MerkleSize || m[0] != 1 || m[3] != 0 {
		t.Errorf("Merkle() = %x, want 64 bytes starting 010203", m)
	}
}

func TestHashFromBytes(t *testing.T) {
	if _, err := HashFromBytes(make([]byte, 10)); err == nil {
		t.Error("HashFromBytes() should reject short input")
	}
	raw := make([]byte, HashSize)
	raw[0] = 0x01
	h, err := HashFromBytes(raw)
	if err != nil {
		t.Fatalf("HashFromBytes() error = %v", err)
	}
	if h[0] != 0x01 {
		t.Error("HashFromBytes() did not copy the bytes")
	}
	if len(h.String()) != HashSize*2 {
		t.Errorf("String() length = %d, want %d", len(h.String()), HashSize*2)
	}
}

func TestHasher(t *testing.T) {
	var seen []byte
	fixed := func(header []byte) Hash {
		seen = header
		return Hash{0x42}
	}

	b := sampleBlock()
	if b.Hash() != Blake3(b.header()) {
		t.Error("a block without a Hasher should use Blake3")
	}

	b.Hasher = fixed
	if got := b.Hash(); got != (Hash{0x42}) {
		t.Errorf("Hash() = %x, want the Hasher result", got[:4])
	}
	if !bytes.Equal(seen, b.header()) {
		t.Error("Hasher should receive the header without the nonce")
	}

	c := b.Clone()
	if c.Hash() != (Hash{0x42}) {
		t.Error("Clone() should keep the Hasher")
	}
	if p := b.MinerPayload(7); p[0] != 0x42 {
		t.Errorf("MinerPayload() starts with %x, want the Hasher result", p[0])
	}
}
