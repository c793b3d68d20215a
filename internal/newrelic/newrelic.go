// Package newrelic reports pool events and metrics to New Relic APM.
package newrelic

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// sink is the part of *newrelic.Application the agent reports through
type sink interface {
	RecordCustomEvent(eventType string, params map[string]interface{})
	RecordCustomMetric(name string, value float64)
}

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig

	mu   sync.RWMutex
	app  *newrelic.Application
	sink sink
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.sink = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink != nil
}

// StartTransaction starts a web transaction; it returns nil when disabled
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

func (a *Agent) current() sink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if s := a.current(); s != nil {
		s.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	if s := a.current(); s != nil {
		s.RecordCustomMetric(name, value)
	}
}

// RecordShare records a share result
func (a *Agent) RecordShare(address, result string, difficulty float64) {
	a.RecordCustomEvent("ShareSubmission", map[string]interface{}{
		"address":    address,
		"result":     result,
		"difficulty": difficulty,
	})
}

// RecordBan records a peer ban. It has the policy ban hook signature.
func (a *Agent) RecordBan(ip, reason string, duration time.Duration, rScore, cScore int) {
	a.RecordCustomEvent("PeerBanned", map[string]interface{}{
		"ip":      ip,
		"reason":  reason,
		"seconds": int64(duration / time.Second),
		"rScore":  rScore,
		"cScore":  cScore,
	})
}

// BlockSubmitted records a block handed to the wallet
func (a *Agent) BlockSubmitted(height uint32, hash, finder string) {
	a.RecordCustomEvent("BlockSubmitted", map[string]interface{}{
		"height": height,
		"hash":   hash,
		"finder": finder,
	})
}

// RoundClosed records an accepted block
func (a *Agent) RoundClosed(rec *storage.BlockRecord) {
	a.RecordCustomEvent("BlockFound", map[string]interface{}{
		"round":  rec.Round,
		"height": rec.Height,
		"finder": rec.Finder,
		"reward": rec.Reward,
	})
}

// BlockOrphaned records a refunded round
func (a *Agent) BlockOrphaned(rec *storage.BlockRecord) {
	a.RecordCustomEvent("BlockOrphaned", map[string]interface{}{
		"round":  rec.Round,
		"height": rec.Height,
		"finder": rec.Finder,
	})
}

// UpdatePoolMetrics records pool-wide gauges
func (a *Agent) UpdatePoolMetrics(snap round.Snapshot, connections int, weight uint64) {
	a.RecordCustomMetric("Custom/Pool/Connections", float64(connections))
	a.RecordCustomMetric("Custom/Pool/RoundWeight", float64(weight))
	a.RecordCustomMetric("Custom/Pool/Round", float64(snap.Round))
	a.RecordCustomMetric("Custom/Network/Height", float64(snap.Height))
}
