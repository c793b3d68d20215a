// Package policy implements the abuse protection of the miner listener:
// moving-average request and connection scores per IP, escalating bans and
// the persistent banned account and IP lists.
package policy

import (
	"sync"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// ScoreThresholdReason is logged when a score crosses its limit
const ScoreThresholdReason = "Score Threshold"

// Config holds policy configuration
type Config struct {
	Enabled         bool
	RScore          int // request score that triggers a ban
	CScore          int // connection score that triggers a ban
	Window          int // moving average window in seconds
	RefreshInterval time.Duration
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RScore:          20,
		CScore:          2,
		Window:          30,
		RefreshInterval: 5 * time.Minute,
	}
}

// FromConfig maps the ddos config section
func FromConfig(cfg *config.DDOSConfig) *Config {
	c := DefaultConfig()
	c.Enabled = cfg.Enabled
	c.RScore = cfg.RScore
	c.CScore = cfg.CScore
	if cfg.Window > 0 {
		c.Window = cfg.Window
	}
	return c
}

// Server owns one Filter per remote IP. Filters outlive connections so a
// reconnecting peer keeps its scores and bans.
type Server struct {
	config *Config
	banned *BannedUsers
	now    Clock

	mu      sync.Mutex
	filters map[string]*Filter
	onBan   BanHook

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a policy server. banned may be nil.
func NewServer(cfg *Config, banned *BannedUsers) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		config:  cfg,
		banned:  banned,
		now:     time.Now,
		filters: make(map[string]*Filter),
		quit:    make(chan struct{}),
	}
}

// SetClock replaces the time source for new filters
func (s *Server) SetClock(now Clock) {
	s.now = now
}

// SetBanHook registers a callback for every ban
func (s *Server) SetBanHook(hook BanHook) {
	s.mu.Lock()
	s.onBan = hook
	for _, f := range s.filters {
		f.mu.Lock()
		f.onBan = hook
		f.mu.Unlock()
	}
	s.mu.Unlock()
}

// Enabled reports whether scoring and bans are active
func (s *Server) Enabled() bool {
	return s.config.Enabled
}

// Banned returns the banned users list, possibly nil
func (s *Server) Banned() *BannedUsers {
	return s.banned
}

// Start launches the banned list refresh loop
func (s *Server) Start() {
	if s.banned == nil || s.config.RefreshInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.refreshLoop()
}

// Stop ends background work
func (s *Server) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	s.wg.Wait()
}

func (s *Server) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.banned.Refresh(); err != nil {
				util.Warnf("Failed to refresh banned users: %v", err)
			}
		}
	}
}

// filter gets or creates the filter for an IP
func (s *Server) filter(ip string) *Filter {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.filters[ip]
	if !ok {
		f = NewFilter(ip, s.config.Window, s.now)
		f.onBan = s.onBan
		s.filters[ip] = f
	}
	return f
}

// Lookup returns the filter for an IP without creating one
func (s *Server) Lookup(ip string) (*Filter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[ip]
	return f, ok
}

// Accept registers a new connection from ip. It returns the shared filter
// and whether the connection may proceed. Callers must Release the filter
// when the connection ends.
func (s *Server) Accept(ip string) (*Filter, bool) {
	if s.banned != nil && s.banned.IsIPBanned(ip) {
		util.Debugf("Rejected connection from banned IP %s", ip)
		return nil, false
	}

	f := s.filter(ip)
	if !s.config.Enabled {
		f.acquire()
		return f, true
	}

	if f.Banned() {
		return nil, false
	}

	f.AddConnection(1)
	if !s.Check(f) {
		return nil, false
	}

	f.acquire()
	return f, true
}

// Release drops a connection's hold on its filter
func (s *Server) Release(f *Filter) {
	if f != nil {
		f.release()
	}
}

// Check bans the filter if either score is over its threshold and reports
// whether the peer may continue.
func (s *Server) Check(f *Filter) bool {
	if !s.config.Enabled {
		return true
	}
	if f.Banned() {
		return false
	}

	r, c := f.Scores()
	if r > s.config.RScore || c > s.config.CScore {
		f.Ban(ScoreThresholdReason)
		return false
	}
	return true
}

// Penalize adds to the request score and applies thresholds
func (s *Server) Penalize(f *Filter, n int) bool {
	if !s.config.Enabled {
		return true
	}
	if n > 0 {
		f.AddRequest(n)
	}
	return s.Check(f)
}

// Ban bans a peer for a protocol violation. Disabled filtering suppresses bans.
func (s *Server) Ban(f *Filter, reason string) {
	if !s.config.Enabled {
		util.Debugf("Filtering disabled, not banning %s: %s", f.IP, reason)
		return
	}
	f.Ban(reason)
}

// IsBanned reports whether an IP is currently banned by score or by list
func (s *Server) IsBanned(ip string) bool {
	if s.banned != nil && s.banned.IsIPBanned(ip) {
		return true
	}
	if !s.config.Enabled {
		return false
	}
	f, ok := s.Lookup(ip)
	return ok && f.Banned()
}

// Prune drops filters that are idle, unbanned and unreferenced
func (s *Server) Prune() int {
	window := time.Duration(s.config.Window) * time.Second

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ip, f := range s.filters {
		if f.idle(window) {
			delete(s.filters, ip)
			removed++
		}
	}

	if removed > 0 {
		util.Debugf("Policy pruned %d idle filters", removed)
	}
	return removed
}

// GetStats returns tracked and currently banned filter counts
func (s *Server) GetStats() (total, banned int) {
	s.mu.Lock()
	filters := make([]*Filter, 0, len(s.filters))
	for _, f := range s.filters {
		filters = append(filters, f)
	}
	s.mu.Unlock()

	total = len(filters)
	for _, f := range filters {
		if f.Banned() {
			banned++
		}
	}
	return
}
