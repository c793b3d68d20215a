package util

import (
	"bytes"
	"testing"
)

func TestHexToBytes(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"0x0102", []byte{1, 2}, false},
		{"ff00", []byte{0xff, 0x00}, false},
		{"", []byte{}, false},
		{"zz", nil, true},
		{"abc", nil, true},
	}

	for _, tt := range tests {
		got, err := HexToBytes(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("HexToBytes(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !bytes.Equal(got, tt.want) {
			t.Errorf("HexToBytes(%q) = %x, want %x", tt.input, got, tt.want)
		}
	}
}

func TestHashToHexRoundTrip(t *testing.T) {
	wire := []byte{0x01, 0x02, 0x03, 0x04}

	display := HashToHex(wire)
	if display != "04030201" {
		t.Errorf("HashToHex() = %s, want 04030201", display)
	}

	back, err := HexToHash(display, 4)
	if err != nil {
		t.Fatalf("HexToHash() error = %v", err)
	}
	if !bytes.Equal(back, wire) {
		t.Errorf("HexToHash() = %x, want %x", back, wire)
	}
}

func TestHexToHashWrongLength(t *testing.T) {
	if _, err := HexToHash("0102", 4); err == nil {
		t.Error("HexToHash() should reject a short hash")
	}
}

func TestShortHash(t *testing.T) {
	long := "0123456789abcdef0123456789abcdef"
	if got := ShortHash(long); got != long[:20] {
		t.Errorf("ShortHash() = %s, want %s", got, long[:20])
	}
	if got := ShortHash("abc"); got != "abc" {
		t.Errorf("ShortHash() = %s, want abc", got)
	}
}

func TestValidateAddress(t *testing.T) {
	var keyHash [32]byte
	for i := range keyHash {
		keyHash[i] = byte(i * 7)
	}
	valid := EncodeAddress(42, keyHash)

	// Flip the last character to break the checksum.
	tampered := []byte(valid)
	if tampered[len(tampered)-1] == '2' {
		tampered[len(tampered)-1] = '3'
	} else {
		tampered[len(tampered)-1] = '2'
	}

	tests := []struct {
		name string
		addr string
		want bool
	}{
		{"valid", valid, true},
		{"empty", "", false},
		{"bad checksum", string(tampered), false},
		{"not base58", "0OIl0OIl0OIl", false},
		{"too short", "2Qn8MsUCkv1Nr3ot", false},
		{"too long", valid + valid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateAddress(tt.addr); got != tt.want {
				t.Errorf("ValidateAddress(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestEncodeAddressLength(t *testing.T) {
	var keyHash [32]byte
	addr := EncodeAddress(42, keyHash)
	if len(addr) == 0 || len(addr) > MaxAddressLength {
		t.Errorf("EncodeAddress() length = %d, want 1..%d", len(addr), MaxAddressLength)
	}
}
