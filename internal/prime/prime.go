// Package prime scores prime-cluster proof of work.
//
// A candidate is the origin hash plus the nonce, taken modulo 2^1024. Its
// difficulty is the number of primes found walking upward in steps of two
// until a gap wider than 12 opens, plus a fractional part derived from the
// Fermat remainder of the first composite past the cluster.
package prime

import (
	"math"
	"math/big"

	"github.com/nexus-pool/nxs-pool/internal/block"
)

const (
	// BitsScale converts a difficulty to its integer bits encoding
	BitsScale = 10000000

	sieveLimit     = 80
	maxGap         = 12
	fractionShift  = 24
	fractionNumer  = 1000000.0
	candidateWidth = block.HashSize * 8
)

var (
	sieve   = eratosthenes(sieveLimit)
	one     = big.NewInt(1)
	two     = big.NewInt(2)
	modulus = new(big.Int).Lsh(one, candidateWidth)
)

func eratosthenes(limit int) []*big.Int {
	composite := make([]bool, limit)
	var primes []*big.Int
	for i := 2; i < limit; i++ {
		if composite[i] {
			continue
		}
		primes = append(primes, big.NewInt(int64(i)))
		for j := i * i; j < limit; j += i {
			composite[j] = true
		}
	}
	return primes
}

// SetBits encodes a difficulty, truncating toward zero
func SetBits(difficulty float64) uint32 {
	return uint32(BitsScale * difficulty)
}

// GetDifficulty decodes a bits value
func GetDifficulty(bits uint32) float64 {
	return float64(bits) / BitsScale
}

// ShareWeight is the round weight credited for a share of the given
// difficulty, 25^(difficulty-3) rounded to the nearest unit.
func ShareWeight(difficulty float64) uint64 {
	return uint64(math.Round(math.Pow(25, difficulty-3)))
}

// Candidate adds the nonce to a little-endian origin hash
func Candidate(hash block.Hash, nonce uint64) *big.Int {
	be := make([]byte, block.HashSize)
	for i := range hash {
		be[block.HashSize-1-i] = hash[i]
	}
	c := new(big.Int).SetBytes(be)
	c.Add(c, new(big.Int).SetUint64(nonce))
	return c.Mod(c, modulus)
}

// Encode returns the little-endian 1024-bit form of a candidate
func Encode(c *big.Int) block.Hash {
	var h block.Hash
	be := new(big.Int).Mod(c, modulus).FillBytes(make([]byte, block.HashSize))
	for i := range be {
		h[block.HashSize-1-i] = be[i]
	}
	return h
}

func divisorFree(p *big.Int) bool {
	var r big.Int
	for _, d := range sieve {
		if r.Mod(p, d).Sign() == 0 {
			return false
		}
	}
	return true
}

// fermatRemainder is 2^(n-1) mod n
func fermatRemainder(n *big.Int) *big.Int {
	e := new(big.Int).Sub(n, one)
	return new(big.Int).Exp(two, e, n)
}

// IsPrime is the sieve check followed by a base-2 Fermat test
func IsPrime(p *big.Int) bool {
	if p.Sign() <= 0 || !divisorFree(p) {
		return false
	}
	return fermatRemainder(p).Cmp(one) == 0
}

// fractional computes ((c - 2^(c-1) mod c) << 24) / c
func fractional(c *big.Int) uint32 {
	if c.Sign() <= 0 {
		return 0
	}
	a := new(big.Int).Sub(c, fermatRemainder(c))
	a.Lsh(a, fractionShift)
	return uint32(a.Quo(a, c).Uint64())
}

// Verify returns the difficulty of a candidate, or 0 if it is not prime.
// The result depends only on the candidate.
func Verify(candidate *big.Int) float64 {
	origin := new(big.Int).Mod(candidate, modulus)
	if !IsPrime(origin) {
		return 0
	}

	p := new(big.Int).Set(origin)
	clusterSize, gap, offset := 1, 2, int64(0)
	for gap <= maxGap {
		p.Add(p, two)
		offset += 2

		if !IsPrime(p) {
			gap += 2
			continue
		}
		clusterSize++
		gap = 2
	}

	composite := new(big.Int).Add(origin, big.NewInt(offset+2))
	composite.Mod(composite, modulus)

	fraction := fractionNumer / float64(fractional(composite))
	if fraction > 1.0 || fraction < 0.0 || math.IsNaN(fraction) {
		fraction = 0
	}

	return float64(clusterSize) + fraction
}
