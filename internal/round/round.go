// Package round holds the pool-wide round context shared by the daemon
// session, the miner sessions and the API.
package round

import (
	"sync"
	"sync/atomic"
)

// State tracks the chain height, the pool round and the coinbase barrier.
// Numeric fields are atomics; the string fields share one mutex.
type State struct {
	bestHeight      atomic.Uint32
	currentRound    atomic.Uint32
	coinbasePending atomic.Bool
	rewardRequested atomic.Bool
	roundReward     atomic.Uint64

	mu            sync.RWMutex
	lastFinder    string
	submittedHash string
	accepted      bool
}

// New creates a state starting at round 1
func New() *State {
	s := &State{}
	s.currentRound.Store(1)
	return s
}

func (s *State) Height() uint32 {
	return s.bestHeight.Load()
}

// UpdateHeight stores h and reports whether it advanced the best height
func (s *State) UpdateHeight(h uint32) bool {
	prev := s.bestHeight.Swap(h)
	return h > prev
}

func (s *State) Round() uint32 {
	return s.currentRound.Load()
}

// NextRound increments the round and returns the new value
func (s *State) NextRound() uint32 {
	return s.currentRound.Add(1)
}

// SetRound restores a persisted round number
func (s *State) SetRound(r uint32) {
	s.currentRound.Store(r)
}

func (s *State) CoinbasePending() bool {
	return s.coinbasePending.Load()
}

// SetCoinbasePending arms or clears the barrier. Arming also allows one
// new reward request.
func (s *State) SetCoinbasePending(pending bool) {
	if pending {
		s.rewardRequested.Store(false)
	}
	s.coinbasePending.Store(pending)
}

// ClaimRewardRequest returns true once per pending cycle
func (s *State) ClaimRewardRequest() bool {
	if !s.coinbasePending.Load() {
		return false
	}
	return s.rewardRequested.CompareAndSwap(false, true)
}

func (s *State) RoundReward() uint64 {
	return s.roundReward.Load()
}

func (s *State) SetRoundReward(amount uint64) {
	s.roundReward.Store(amount)
}

func (s *State) LastFinder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFinder
}

func (s *State) SetLastFinder(address string) {
	s.mu.Lock()
	s.lastFinder = address
	s.mu.Unlock()
}

// SetSubmitted records a block sent with SUBMIT_BLOCK, awaiting GOOD or FAIL
func (s *State) SetSubmitted(hash string) {
	s.mu.Lock()
	s.submittedHash = hash
	s.accepted = false
	s.mu.Unlock()
}

// AcceptSubmitted marks the pending submission as accepted by the daemon
func (s *State) AcceptSubmitted() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submittedHash == "" {
		return "", false
	}
	s.accepted = true
	return s.submittedHash, true
}

// ClearSubmitted forgets the pending submission
func (s *State) ClearSubmitted() {
	s.mu.Lock()
	s.submittedHash = ""
	s.accepted = false
	s.mu.Unlock()
}

// Submitted returns the submitted hash and whether the daemon accepted it
func (s *State) Submitted() (hash string, accepted bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.submittedHash, s.accepted
}

// TakeAccepted returns and clears an accepted submission, used when the
// round it solved closes.
func (s *State) TakeAccepted() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submittedHash == "" || !s.accepted {
		return "", false
	}
	hash := s.submittedHash
	s.submittedHash = ""
	s.accepted = false
	return hash, true
}

// Snapshot is a consistent-enough copy for reporting
type Snapshot struct {
	Height          uint32 `json:"height"`
	Round           uint32 `json:"round"`
	CoinbasePending bool   `json:"coinbasePending"`
	RoundReward     uint64 `json:"roundReward"`
	LastFinder      string `json:"lastFinder"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Height:          s.Height(),
		Round:           s.Round(),
		CoinbasePending: s.CoinbasePending(),
		RoundReward:     s.RoundReward(),
		LastFinder:      s.LastFinder(),
	}
}
