// Nexus Prime Pool - coordinator for prime channel miners
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/api"
	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/master"
	"github.com/nexus-pool/nxs-pool/internal/newrelic"
	"github.com/nexus-pool/nxs-pool/internal/notify"
	"github.com/nexus-pool/nxs-pool/internal/payout"
	"github.com/nexus-pool/nxs-pool/internal/policy"
	"github.com/nexus-pool/nxs-pool/internal/profiling"
	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/slave"
	"github.com/nexus-pool/nxs-pool/internal/stats"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

const metricsInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Nexus Prime Pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("Nexus Prime Pool v%s starting", version)

	ledger, redis, err := storage.Open(cfg)
	if err != nil {
		util.Fatalf("Failed to open ledger: %v", err)
	}

	state := round.New()
	if r := ledger.MetaValue(storage.MetaRound); r > 0 {
		state.SetRound(uint32(r))
	}
	if h := ledger.MetaValue(storage.MetaHeight); h > 0 {
		state.UpdateHeight(uint32(h))
	}
	util.Infof("Resuming at round %d, height %d", state.Round(), state.Height())

	var history *stats.DB
	if cfg.Stats.Enabled {
		path := cfg.Stats.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Pool.DataDir, path)
		}
		if history, err = stats.Open(path); err != nil {
			util.Fatalf("Failed to open statistics database: %v", err)
		}
	}

	var mirror policy.BanMirror
	if redis != nil {
		mirror = redis
	}
	banned := policy.NewBannedUsers(cfg.Pool.DataDir, mirror)
	if err := banned.Load(); err != nil {
		util.Fatalf("Failed to load ban lists: %v", err)
	}

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}

	notifier, err := notify.NewNotifier(cfg)
	if err != nil {
		util.Fatalf("Failed to create notifier: %v", err)
	}

	policyServer := policy.NewServer(policy.FromConfig(&cfg.DDOS), banned)

	payouts := payout.NewManager(ledger, state, cfg.FeeFraction(), cfg.Pool.FeeAddress)
	if history != nil {
		payouts.SetRecorder(history)
	}

	registry := slave.NewRegistry()
	minerServer := slave.NewServer(cfg, policyServer, ledger, state, payouts, registry)
	minerServer.SetShareHook(func(address string, result slave.ShareResult, difficulty float64) {
		agent.RecordShare(address, result.String(), difficulty)
	})

	var collector *stats.Collector
	if history != nil {
		collector = stats.NewCollector(history, ledger, state, payouts.PendingPayout, cfg.Stats.ConnectionFrequency)
		collector.SetConnectionSource(minerServer)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, ledger, state, payouts, history, banned)
		apiServer.SetConnectionCounter(minerServer.SessionCount)
		apiServer.SetTracer(agent)
	}

	policyServer.SetBanHook(func(ip, reason string, duration time.Duration, rScore, cScore int) {
		agent.RecordBan(ip, reason, duration, rScore, cScore)
		if apiServer != nil {
			apiServer.Hub().PeerBanned(ip, reason, duration, rScore, cScore)
		}
	})

	daemon := master.NewMaster(cfg, state, ledger, payouts, registry, policyServer)
	daemon.AddObserver(agent)
	if notifier != nil {
		daemon.AddObserver(notifier)
	}
	if apiServer != nil {
		daemon.AddObserver(apiServer.Hub())
	}
	if collector != nil {
		daemon.SetRoundRecorder(collector)
	}

	profiler := profiling.NewServer(&cfg.Profiling)
	profiler.SetStatus(func() interface{} {
		return map[string]interface{}{
			"round":       state.Snapshot(),
			"sessions":    minerServer.SessionCount(),
			"walletReady": daemon.Connected(),
		}
	})
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	policyServer.Start()
	if collector != nil {
		collector.Start()
	}
	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}
	if err := minerServer.Start(); err != nil {
		util.Fatalf("Failed to start miner listener: %v", err)
	}
	daemon.Start()

	quit := make(chan struct{})
	go func() {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				agent.UpdatePoolMetrics(state.Snapshot(), minerServer.SessionCount(), payouts.TotalWeight())
			case <-quit:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	close(quit)
	daemon.Stop()
	minerServer.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	if collector != nil {
		collector.Stop()
	}
	policyServer.Stop()
	profiler.Stop()
	notifier.Close()
	agent.Stop()

	if err := banned.Save(); err != nil {
		util.Errorf("Failed to save ban lists: %v", err)
	}
	if history != nil {
		history.Close()
	}
	if err := ledger.Close(); err != nil {
		util.Errorf("Failed to close ledger: %v", err)
	}

	util.Info("Pool stopped")
}
