package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/storage"
)

type capture struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []*discordgo.WebhookParams
}

func (c *capture) send(p *discordgo.WebhookParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures > 0 {
		c.failures--
		return errors.New("discord unavailable")
	}
	c.sent = append(c.sent, p)
	return nil
}

func init() {
	retryBaseDelay = time.Millisecond
}

func TestNewNotifierDisabled(t *testing.T) {
	cfg := &config.Config{}
	n, err := NewNotifier(cfg)
	if err != nil || n != nil {
		t.Fatalf("NewNotifier() = %v, %v, want nil, nil", n, err)
	}

	// a nil notifier ignores events
	n.RoundClosed(&storage.BlockRecord{})
	n.BlockOrphaned(&storage.BlockRecord{})
	n.BlockSubmitted(1, "h", "f")
	n.Close()
}

func TestNewNotifierRequiresWebhook(t *testing.T) {
	cfg := &config.Config{}
	cfg.Notify.Enabled = true
	cfg.Notify.WebhookID = "123"

	if _, err := NewNotifier(cfg); err == nil {
		t.Error("NewNotifier() should require a webhook token")
	}
}

func TestNotifierEvents(t *testing.T) {
	c := &capture{}
	n := newNotifier("Test Pool", "https://pool.example.com", c.send)

	rec := &storage.BlockRecord{
		Hash:   "00000000000000000000abcdef0123456789",
		Round:  12,
		Height: 5000,
		Reward: 2_500_000,
		Finder: "2Qn8MsUCkv5ZZBQjnJEEcvkEUXkDgNXwvhSUzBQsRxqLYbL6oXq",
	}
	n.BlockSubmitted(rec.Height, rec.Hash, rec.Finder)
	n.RoundClosed(rec)
	n.BlockOrphaned(rec)
	n.Close()

	if len(c.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(c.sent))
	}

	titles := []string{"Block Submitted", "Block Found!", "Block Orphaned"}
	for i, p := range c.sent {
		if len(p.Embeds) != 1 {
			t.Fatalf("message %d has %d embeds", i, len(p.Embeds))
		}
		e := p.Embeds[0]
		if e.Title != titles[i] {
			t.Errorf("message %d title = %q, want %q", i, e.Title, titles[i])
		}
		if e.URL != "https://pool.example.com" || e.Footer.Text != "Test Pool" {
			t.Errorf("message %d url %q footer %q", i, e.URL, e.Footer.Text)
		}
	}

	round := c.sent[1].Embeds[0]
	if round.Fields[1].Value != "2.500000 NXS" {
		t.Errorf("reward field = %q", round.Fields[1].Value)
	}
	if round.Fields[2].Value != "2Qn8MsUC...bL6oXq" {
		t.Errorf("finder field = %q", round.Fields[2].Value)
	}
}

func TestNotifierRetries(t *testing.T) {
	c := &capture{failures: 2}
	n := newNotifier("Pool", "", c.send)

	n.RoundClosed(&storage.BlockRecord{Round: 1})
	n.Close()

	if c.calls != 3 || len(c.sent) != 1 {
		t.Errorf("calls = %d sent = %d, want 3 and 1", c.calls, len(c.sent))
	}
}

func TestNotifierGivesUp(t *testing.T) {
	c := &capture{failures: MaxRetries}
	n := newNotifier("Pool", "", c.send)

	n.BlockOrphaned(&storage.BlockRecord{Round: 1})
	n.Close()

	if c.calls != MaxRetries || len(c.sent) != 0 {
		t.Errorf("calls = %d sent = %d, want %d and 0", c.calls, len(c.sent), MaxRetries)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"empty address", truncateAddress, "", "-"},
		{"short address", truncateAddress, "abc", "abc"},
		{"long address", truncateAddress, "0123456789abcdefghij", "01234567...efghij"},
		{"short hash", truncateHash, "abcdef", "abcdef"},
		{"long hash", truncateHash, "0123456789abcdefghijklmnop", "0123456789...ijklmnop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
