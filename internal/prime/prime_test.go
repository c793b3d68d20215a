package prime

import (
	"math"
	"math/big"
	"testing"

	"github.com/nexus-pool/nxs-pool/internal/block"
)

func TestSieve(t *testing.T) {
	if len(sieve) != 22 {
		t.Errorf("sieve has %d primes, want 22", len(sieve))
	}
	if sieve[0].Int64() != 2 || sieve[len(sieve)-1].Int64() != 79 {
		t.Errorf("sieve bounds = %d..%d, want 2..79", sieve[0], sieve[len(sieve)-1])
	}
}

func TestIsPrime(t *testing.T) {
	tests := []struct {
		n    int64
		want bool
	}{
		{0, false},
		{1, false},
		{3, false}, // caught by the divisor sieve
		{83, true},
		{97, true},
		{100, false},
		{101, true},
		{341, false}, // 11 * 31
		{1000003, true},
	}

	for _, tt := range tests {
		if got := IsPrime(big.NewInt(tt.n)); got != tt.want {
			t.Errorf("IsPrime(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		n    int64
		want float64
	}{
		{97, 6.0600777008936735},
		{101, 5.0600777008936735},
		{103, 4.0600777008936735},
		{1867, 9.296791124045928},
		{3299, 14.05967512147766},
		{5639, 8.059615137785785},
		{1000003, 1.0},
		{100, 0},
		{1001, 0},
	}

	for _, tt := range tests {
		got := Verify(big.NewInt(tt.n))
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Verify(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestVerifyDeterministic(t *testing.T) {
	c := big.NewInt(1867)
	first := Verify(c)
	for i := 0; i < 5; i++ {
		if got := Verify(c); got != first {
			t.Fatalf("Verify() = %v on run %d, want %v", got, i, first)
		}
	}
	if c.Int64() != 1867 {
		t.Error("Verify() modified its argument")
	}
}

func TestFractional(t *testing.T) {
	// 101 + 24 + 2 = 127 is a Mersenne prime; the offset walk ends past it.
	if got := fractional(big.NewInt(127)); got != 16645111 {
		t.Errorf("fractional(127) = %d, want 16645111", got)
	}
	if got := fractional(big.NewInt(0)); got != 0 {
		t.Errorf("fractional(0) = %d, want 0", got)
	}
}

func TestBits(t *testing.T) {
	tests := []struct {
		difficulty float64
		bits       uint32
	}{
		{4.0, 40000000},
		{7.5, 75000000},
		{0, 0},
	}

	for _, tt := range tests {
		if got := SetBits(tt.difficulty); got != tt.bits {
			t.Errorf("SetBits(%v) = %d, want %d", tt.difficulty, got, tt.bits)
		}
		if got := GetDifficulty(tt.bits); got != tt.difficulty {
			t.Errorf("GetDifficulty(%d) = %v, want %v", tt.bits, got, tt.difficulty)
		}
	}
}

func TestShareWeight(t *testing.T) {
	if got := ShareWeight(7.5); got != 1953125 {
		t.Errorf("ShareWeight(7.5) = %d, want 1953125", got)
	}
	if got := ShareWeight(3); got != 1 {
		t.Errorf("ShareWeight(3) = %d, want 1", got)
	}
	if ShareWeight(8) <= ShareWeight(7) {
		t.Error("ShareWeight should grow with difficulty")
	}
}

func TestCandidate(t *testing.T) {
	var h block.Hash
	h[0] = 0x10 // little-endian: value 16

	c := Candidate(h, 5)
	if c.Int64() != 21 {
		t.Errorf("Candidate() = %d, want 21", c)
	}

	if back := Encode(c); back[0] != 21 {
		t.Errorf("Encode() low byte = %d, want 21", back[0])
	}
}

func TestCandidateWraps(t *testing.T) {
	var h block.Hash
	for i := range h {
		h[i] = 0xff
	}

	c := Candidate(h, 2)
	if c.Int64() != 1 {
		t.Errorf("Candidate() = %d, want 1 after wrapping", c)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var h block.Hash
	for i := range h {
		h[i] = byte(i)
	}
	if got := Encode(Candidate(h, 0)); got != h {
		t.Error("Encode(Candidate(h, 0)) should return h")
	}
}
