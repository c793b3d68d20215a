// Package notify posts pool events to a Discord webhook.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// Retry configuration
const (
	MaxRetries = 3
	QueueSize  = 64
)

var retryBaseDelay = 2 * time.Second

// Embed colors
const (
	colorSubmitted = 0x0099FF
	colorRound     = 0x00FF00
	colorOrphan    = 0xFF0000
)

const coinUnits = 1e6

// Notifier delivers messages in order from a single worker
type Notifier struct {
	poolName string
	poolURL  string
	send     func(*discordgo.WebhookParams) error

	queue chan *discordgo.WebhookParams
	wg    sync.WaitGroup
}

// NewNotifier creates a notifier for the configured webhook. It returns nil
// when notifications are disabled; a nil Notifier ignores every event.
func NewNotifier(cfg *config.Config) (*Notifier, error) {
	if !cfg.Notify.Enabled {
		return nil, nil
	}
	if cfg.Notify.WebhookID == "" || cfg.Notify.WebhookToken == "" {
		return nil, fmt.Errorf("notify: webhook id and token are required")
	}

	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	id, token := cfg.Notify.WebhookID, cfg.Notify.WebhookToken

	return newNotifier(cfg.Pool.Name, cfg.Notify.PoolURL, func(p *discordgo.WebhookParams) error {
		_, err := session.WebhookExecute(id, token, false, p)
		return err
	}), nil
}

func newNotifier(poolName, poolURL string, send func(*discordgo.WebhookParams) error) *Notifier {
	n := &Notifier{
		poolName: poolName,
		poolURL:  poolURL,
		send:     send,
		queue:    make(chan *discordgo.WebhookParams, QueueSize),
	}
	n.wg.Add(1)
	go n.worker()
	return n
}

// Close delivers what is queued and stops the worker
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	close(n.queue)
	n.wg.Wait()
}

// BlockSubmitted announces a block handed to the wallet
func (n *Notifier) BlockSubmitted(height uint32, hash, finder string) {
	if n == nil {
		return
	}
	n.enqueue(n.embed("Block Submitted", fmt.Sprintf("**%s** found a block candidate", n.poolName), colorSubmitted,
		field("Height", fmt.Sprintf("%d", height), true),
		field("Finder", truncateAddress(finder), true),
		field("Hash", truncateHash(hash), false),
	))
}

// RoundClosed announces an accepted block and its reward
func (n *Notifier) RoundClosed(rec *storage.BlockRecord) {
	if n == nil {
		return
	}
	n.enqueue(n.embed("Block Found!", fmt.Sprintf("**%s** closed round %d", n.poolName, rec.Round), colorRound,
		field("Height", fmt.Sprintf("%d", rec.Height), true),
		field("Reward", fmt.Sprintf("%.6f NXS", float64(rec.Reward)/coinUnits), true),
		field("Finder", truncateAddress(rec.Finder), true),
		field("Hash", truncateHash(rec.Hash), false),
	))
}

// BlockOrphaned announces a refunded round
func (n *Notifier) BlockOrphaned(rec *storage.BlockRecord) {
	if n == nil {
		return
	}
	n.enqueue(n.embed("Block Orphaned", fmt.Sprintf("**%s** round %d was orphaned and refunded", n.poolName, rec.Round), colorOrphan,
		field("Height", fmt.Sprintf("%d", rec.Height), true),
		field("Finder", truncateAddress(rec.Finder), true),
		field("Hash", truncateHash(rec.Hash), false),
	))
}

func field(name, value string, inline bool) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: inline}
}

func (n *Notifier) embed(title, description string, color int, fields ...*discordgo.MessageEmbedField) *discordgo.WebhookParams {
	e := &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		URL:         n.poolURL,
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: n.poolName},
	}
	return &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{e}}
}

// enqueue never blocks the caller; a full queue drops the message
func (n *Notifier) enqueue(p *discordgo.WebhookParams) {
	select {
	case n.queue <- p:
	default:
		util.Warn("Notification queue full, dropping message")
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for p := range n.queue {
		n.deliver(p)
	}
}

// deliver sends with exponential backoff: 2s, 4s
func (n *Notifier) deliver(p *discordgo.WebhookParams) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = n.send(p); lastErr == nil {
			return
		}
	}
	util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if addr == "" {
		return "-"
	}
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
