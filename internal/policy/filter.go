package policy

import (
	"sync"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/util"
)

// BanFloor is the minimum ban per offense
const BanFloor = 1200 * time.Second

// BanHook observes bans, e.g. to emit APM events
type BanHook func(ip, reason string, duration time.Duration, rScore, cScore int)

// Filter holds the request and connection scores of one remote IP and its
// escalating ban state.
type Filter struct {
	IP string

	mu        sync.Mutex
	rScore    *Score
	cScore    *Score
	bannedAt  time.Time
	banTime   time.Duration
	totalBans uint32
	refs      int
	lastSeen  time.Time
	now       Clock
	onBan     BanHook
}

// NewFilter creates a filter with scores over window seconds
func NewFilter(ip string, window int, now Clock) *Filter {
	if now == nil {
		now = time.Now
	}
	return &Filter{
		IP:       ip,
		rScore:   NewScore(window, now),
		cScore:   NewScore(window, now),
		lastSeen: now(),
		now:      now,
	}
}

// AddRequest adds n to the request score
func (f *Filter) AddRequest(n int) {
	f.mu.Lock()
	f.rScore.Add(n)
	f.lastSeen = f.now()
	f.mu.Unlock()
}

// AddConnection adds n to the connection score
func (f *Filter) AddConnection(n int) {
	f.mu.Lock()
	f.cScore.Add(n)
	f.lastSeen = f.now()
	f.mu.Unlock()
}

// Scores returns the current request and connection scores
func (f *Filter) Scores() (r, c int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rScore.Score(), f.cScore.Score()
}

// Ban bans the peer unless it is already banned. The duration grows with
// both scores and the number of previous bans, never below BanFloor per ban.
func (f *Filter) Ban(reason string) {
	f.mu.Lock()
	if f.bannedLocked() {
		f.mu.Unlock()
		return
	}

	f.bannedAt = f.now()
	f.totalBans++

	r, c := f.rScore.Score(), f.cScore.Score()
	f.banTime = BanDuration(f.totalBans, r, c)

	f.rScore.Flush()
	f.cScore.Flush()

	duration, hook := f.banTime, f.onBan
	f.mu.Unlock()

	util.With("ip", f.IP, "rscore", r, "cscore", c).
		Warnf("DDOS filter banned peer for %s: %s", util.HumanDuration(duration), reason)

	if hook != nil {
		hook(f.IP, reason, duration, r, c)
	}
}

// BanDuration computes max(bans*(r+1)*(c+1), bans*1200) seconds
func BanDuration(bans uint32, r, c int) time.Duration {
	scored := uint64(bans) * uint64(r+1) * uint64(c+1)
	floor := uint64(bans) * uint64(BanFloor/time.Second)
	return time.Duration(max(scored, floor)) * time.Second
}

// Banned reports whether the ban timer is still running
func (f *Filter) Banned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bannedLocked()
}

func (f *Filter) bannedLocked() bool {
	return f.banTime > 0 && f.now().Sub(f.bannedAt) < f.banTime
}

// TotalBans returns how many times the peer was banned
func (f *Filter) TotalBans() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBans
}

// BanTime returns the duration of the latest ban
func (f *Filter) BanTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banTime
}

func (f *Filter) acquire() {
	f.mu.Lock()
	f.refs++
	f.lastSeen = f.now()
	f.mu.Unlock()
}

func (f *Filter) release() {
	f.mu.Lock()
	if f.refs > 0 {
		f.refs--
	}
	f.lastSeen = f.now()
	f.mu.Unlock()
}

// idle reports a filter nobody holds that is neither banned nor recently used
func (f *Filter) idle(window time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs == 0 && !f.bannedLocked() && f.now().Sub(f.lastSeen) >= window
}
