package util

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil/base58"
	sha256 "github.com/minio/sha256-simd"
)

const (
	// AddressPayloadSize is version byte plus 256-bit key hash
	AddressPayloadSize = 33
	addressChecksumLen = 4
	// MaxAddressLength bounds the base58 text of a payout address
	MaxAddressLength = 55
)

// addressChecksum is the first four bytes of double SHA-256
func addressChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:addressChecksumLen]
}

// ValidateAddress checks a base58 payout address: 33 byte payload followed
// by a 4 byte checksum.
func ValidateAddress(addr string) bool {
	if addr == "" || len(addr) > MaxAddressLength {
		return false
	}

	raw := base58.Decode(addr)
	if len(raw) != AddressPayloadSize+addressChecksumLen {
		return false
	}

	payload := raw[:AddressPayloadSize]
	return bytes.Equal(raw[AddressPayloadSize:], addressChecksum(payload))
}

// EncodeAddress builds the base58 text for a version byte and key hash
func EncodeAddress(version byte, keyHash [32]byte) string {
	payload := make([]byte, 0, AddressPayloadSize+addressChecksumLen)
	payload = append(payload, version)
	payload = append(payload, keyHash[:]...)
	payload = append(payload, addressChecksum(payload)...)
	return base58.Encode(payload)
}
