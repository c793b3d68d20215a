package policy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/config"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScoreAverage(t *testing.T) {
	tests := []struct {
		name  string
		steps []time.Duration
		adds  []int
		want  int
	}{
		{"same second", []time.Duration{0, 0, 0}, []int{10, 20, 30}, 2},
		{"spread", []time.Duration{0, 5 * time.Second, 24 * time.Second}, []int{10, 20, 30}, 2},
		{"below one per second", []time.Duration{0}, []int{29}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newManualClock()
			s := NewScore(30, clock.Now)
			for i, n := range tt.adds {
				clock.Advance(tt.steps[i])
				s.Add(n)
			}
			if got := s.Score(); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScoreDecaysAfterWindow(t *testing.T) {
	clock := newManualClock()
	s := NewScore(30, clock.Now)

	s.Add(300)
	if got := s.Score(); got != 10 {
		t.Fatalf("Score() = %d, want 10", got)
	}

	clock.Advance(30 * time.Second)
	if got := s.Score(); got != 0 {
		t.Errorf("Score() after idle window = %d, want 0", got)
	}
}

func TestScoreRollover(t *testing.T) {
	clock := newManualClock()
	s := NewScore(30, clock.Now)

	s.Add(300)
	clock.Advance(31 * time.Second)
	s.Add(30)

	// The stale bucket 0 is cleared lazily; only the new 30 remains.
	if got := s.Score(); got != 1 {
		t.Errorf("Score() after rollover = %d, want 1", got)
	}
}

func TestScoreLazyClear(t *testing.T) {
	clock := newManualClock()
	s := NewScore(5, clock.Now)

	s.Add(10)
	clock.Advance(4 * time.Second)
	s.Add(10)
	if got := s.Score(); got != 4 {
		t.Fatalf("Score() = %d, want 4", got)
	}

	// Wrap to bucket 1: bucket 0 and 1 are cleared, bucket 4 survives.
	clock.Advance(2 * time.Second)
	s.Add(5)
	if got := s.Score(); got != 3 {
		t.Errorf("Score() = %d, want 3", got)
	}
}

func TestScoreFlush(t *testing.T) {
	clock := newManualClock()
	s := NewScore(10, clock.Now)
	s.Add(100)
	s.Flush()

	if got := s.Score(); got != 0 {
		t.Errorf("Score() after Flush = %d, want 0", got)
	}
	if s.Window() != 10 {
		t.Errorf("Window() = %d, want 10", s.Window())
	}
}

func TestBanDuration(t *testing.T) {
	tests := []struct {
		bans uint32
		r, c int
		want time.Duration
	}{
		{1, 0, 0, 1200 * time.Second},
		{2, 0, 0, 2400 * time.Second},
		{2, 40, 30, 2542 * time.Second},
		{1, 100, 100, 10201 * time.Second},
	}

	for _, tt := range tests {
		if got := BanDuration(tt.bans, tt.r, tt.c); got != tt.want {
			t.Errorf("BanDuration(%d, %d, %d) = %v, want %v", tt.bans, tt.r, tt.c, got, tt.want)
		}
	}

	for bans := uint32(1); bans < 10; bans++ {
		d := BanDuration(bans, 5, 3)
		if d < BanDuration(bans-1, 5, 3) {
			t.Errorf("BanDuration not monotonic at %d bans", bans)
		}
		if d < time.Duration(bans)*BanFloor {
			t.Errorf("BanDuration(%d) = %v below floor", bans, d)
		}
	}
}

func TestFilterBan(t *testing.T) {
	clock := newManualClock()
	f := NewFilter("10.0.0.1", 30, clock.Now)

	var hooked []string
	f.onBan = func(ip, reason string, d time.Duration, r, c int) {
		hooked = append(hooked, reason)
	}

	f.AddRequest(3000)
	f.Ban("Invalid address")

	if !f.Banned() {
		t.Fatal("filter should be banned")
	}
	if f.TotalBans() != 1 {
		t.Errorf("TotalBans() = %d, want 1", f.TotalBans())
	}
	// r = 3000/30 = 100, c = 0 -> 101s, below the floor
	if f.BanTime() != 1200*time.Second {
		t.Errorf("BanTime() = %v, want 20m", f.BanTime())
	}
	if r, c := f.Scores(); r != 0 || c != 0 {
		t.Errorf("Scores() after ban = (%d, %d), want flushed", r, c)
	}

	f.Ban("again")
	if f.TotalBans() != 1 {
		t.Error("Ban() while banned should be a no-op")
	}

	clock.Advance(1199 * time.Second)
	if !f.Banned() {
		t.Error("filter should still be banned")
	}
	clock.Advance(time.Second)
	if f.Banned() {
		t.Error("ban should have expired")
	}

	f.Ban("second offense")
	if f.BanTime() != 2400*time.Second {
		t.Errorf("second BanTime() = %v, want 40m", f.BanTime())
	}
	if len(hooked) != 2 {
		t.Errorf("ban hook called %d times, want 2", len(hooked))
	}
}

func testServer(cfg *Config, banned *BannedUsers) (*Server, *manualClock) {
	clock := newManualClock()
	s := NewServer(cfg, banned)
	s.SetClock(clock.Now)
	return s, clock
}

func TestServerSharesFilterPerIP(t *testing.T) {
	s, _ := testServer(DefaultConfig(), nil)

	a, ok := s.Accept("1.2.3.4")
	if !ok {
		t.Fatal("first connection rejected")
	}
	s.Release(a)

	b, ok := s.Accept("1.2.3.4")
	if !ok {
		t.Fatal("second connection rejected")
	}
	if a != b {
		t.Error("reconnecting IP should reuse its filter")
	}

	c, _ := s.Accept("5.6.7.8")
	if c == a {
		t.Error("different IPs should not share a filter")
	}
}

func TestServerConnectionThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 1
	s, _ := testServer(cfg, nil)

	for i := 0; i < 2; i++ {
		if _, ok := s.Accept("1.2.3.4"); !ok {
			t.Fatalf("connection %d rejected", i+1)
		}
	}
	if _, ok := s.Accept("1.2.3.4"); ok {
		t.Error("third connection in one second should be banned")
	}
	if !s.IsBanned("1.2.3.4") {
		t.Error("IP should be banned")
	}
	if _, ok := s.Accept("1.2.3.4"); ok {
		t.Error("banned IP should be refused")
	}
}

func TestServerPenalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 1
	s, _ := testServer(cfg, nil)

	f, _ := s.Accept("1.2.3.4")
	if !s.Penalize(f, 20) {
		t.Error("score at the threshold should not ban")
	}
	if s.Penalize(f, 1) {
		t.Error("score over the threshold should ban")
	}
	if !f.Banned() {
		t.Error("filter should be banned")
	}
}

func TestServerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Window = 1
	s, _ := testServer(cfg, nil)

	var f *Filter
	for i := 0; i < 10; i++ {
		var ok bool
		if f, ok = s.Accept("1.2.3.4"); !ok {
			t.Fatal("disabled filtering should accept every connection")
		}
	}
	if !s.Penalize(f, 1000) {
		t.Error("Penalize() should pass while disabled")
	}
	s.Ban(f, "protocol")
	if f.Banned() {
		t.Error("Ban() should be suppressed while disabled")
	}
}

func TestServerBannedIPList(t *testing.T) {
	banned := NewBannedUsers(t.TempDir(), nil)
	banned.AddIP("9.9.9.9")

	s, _ := testServer(DefaultConfig(), banned)
	if _, ok := s.Accept("9.9.9.9"); ok {
		t.Error("listed IP should be refused")
	}
	if !s.IsBanned("9.9.9.9") {
		t.Error("IsBanned() should report listed IPs")
	}
}

func TestServerPrune(t *testing.T) {
	s, clock := testServer(DefaultConfig(), nil)

	held, _ := s.Accept("1.1.1.1")
	released, _ := s.Accept("2.2.2.2")
	s.Release(released)
	_ = held

	clock.Advance(31 * time.Second)
	if removed := s.Prune(); removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}
	if _, ok := s.Lookup("2.2.2.2"); ok {
		t.Error("released filter should be pruned")
	}
	if _, ok := s.Lookup("1.1.1.1"); !ok {
		t.Error("held filter should survive")
	}

	total, bannedCount := s.GetStats()
	if total != 1 || bannedCount != 0 {
		t.Errorf("GetStats() = (%d, %d), want (1, 0)", total, bannedCount)
	}
}

func TestServerBanHook(t *testing.T) {
	s, _ := testServer(DefaultConfig(), nil)

	var got string
	s.SetBanHook(func(ip, reason string, d time.Duration, r, c int) {
		got = ip + ":" + reason
	})

	f, _ := s.Accept("3.3.3.3")
	s.Ban(f, "Invalid address")
	if got != "3.3.3.3:Invalid address" {
		t.Errorf("ban hook got %q", got)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(&config.DDOSConfig{Enabled: true, RScore: 5, CScore: 1, Window: 10})
	if !cfg.Enabled || cfg.RScore != 5 || cfg.CScore != 1 || cfg.Window != 10 {
		t.Errorf("FromConfig() = %+v", cfg)
	}

	cfg = FromConfig(&config.DDOSConfig{})
	if cfg.Window != 30 {
		t.Errorf("Window = %d, want default 30", cfg.Window)
	}
}

type fakeMirror struct {
	accounts map[string]bool
	ips      map[string]bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{accounts: map[string]bool{}, ips: map[string]bool{}}
}

func (m *fakeMirror) AddBannedAccount(a string) error    { m.accounts[a] = true; return nil }
func (m *fakeMirror) AddBannedIP(ip string) error        { m.ips[ip] = true; return nil }
func (m *fakeMirror) RemoveBannedAccount(a string) error { delete(m.accounts, a); return nil }
func (m *fakeMirror) RemoveBannedIP(ip string) error     { delete(m.ips, ip); return nil }

func (m *fakeMirror) BannedAccounts() ([]string, error) {
	var out []string
	for a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *fakeMirror) BannedIPs() ([]string, error) {
	var out []string
	for ip := range m.ips {
		out = append(out, ip)
	}
	return out, nil
}

func TestBannedUsersPersistence(t *testing.T) {
	dir := t.TempDir()

	b := NewBannedUsers(dir, nil)
	if err := b.Load(); err != nil {
		t.Fatalf("Load() on empty dir error = %v", err)
	}

	b.AddAccount("acct-b")
	b.AddAccount("acct-a")
	b.AddIP("10.0.0.1")
	if err := b.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, accountBanFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "acct-a\nacct-b\n" {
		t.Errorf("account.ban = %q", string(data))
	}

	reloaded := NewBannedUsers(dir, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reloaded.IsAccountBanned("acct-a") || !reloaded.IsIPBanned("10.0.0.1") {
		t.Error("reloaded lists are missing entries")
	}
	if reloaded.IsAccountBanned("acct-c") {
		t.Error("unexpected banned account")
	}

	if !reloaded.RemoveAccount("acct-a") || reloaded.RemoveAccount("acct-a") {
		t.Error("RemoveAccount() should report the first removal only")
	}
	if !reloaded.RemoveIP("10.0.0.1") || reloaded.IsIPBanned("10.0.0.1") {
		t.Error("RemoveIP() did not lift the ban")
	}
}

func TestBannedUsersMirror(t *testing.T) {
	mirror := newFakeMirror()
	mirror.ips["7.7.7.7"] = true

	b := NewBannedUsers(t.TempDir(), mirror)
	if err := b.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !b.IsIPBanned("7.7.7.7") {
		t.Error("Load() should merge mirrored IPs")
	}

	b.AddAccount("acct")
	if !mirror.accounts["acct"] {
		t.Error("AddAccount() should write through to the mirror")
	}
	b.RemoveAccount("acct")
	if mirror.accounts["acct"] {
		t.Error("RemoveAccount() should write through to the mirror")
	}
}
