package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string (optionally 0x prefixed) to bytes
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex converts bytes to a hex string without prefix
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// HashToHex renders a little-endian wire hash most-significant byte first,
// the way block explorers print it.
func HashToHex(b []byte) string {
	return hex.EncodeToString(ReverseBytesCopy(b))
}

// HexToHash parses a display hash back into little-endian wire order.
// size is the expected byte length.
func HexToHash(s string, size int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("invalid hash length %d, want %d", len(b), size)
	}
	return ReverseBytesCopy(b), nil
}

// ShortHash truncates a hash for log lines
func ShortHash(h string) string {
	if len(h) <= 20 {
		return h
	}
	return h[:20]
}
