// Package master implements the daemon session: the single wallet
// connection that feeds templates to miners, submits solved blocks and
// drives round accounting.
package master

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/block"
	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/packet"
	"github.com/nexus-pool/nxs-pool/internal/payout"
	"github.com/nexus-pool/nxs-pool/internal/policy"
	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/slave"
	"github.com/nexus-pool/nxs-pool/internal/stats"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

const (
	// PrimeChannel is the mining channel selected with SET_CHANNEL
	PrimeChannel = 1
	// OrphanCheckRounds is how many recent rounds the orphan timer re-checks
	OrphanCheckRounds = 5

	initialBackoff = time.Second
)

var ErrNotConnected = errors.New("wallet daemon not connected")

// Observer receives round and block events
type Observer interface {
	BlockSubmitted(height uint32, hash, finder string)
	RoundClosed(rec *storage.BlockRecord)
	BlockOrphaned(rec *storage.BlockRecord)
}

// RoundRecorder stores closed rounds
type RoundRecorder interface {
	CloseRound(row stats.RoundRow)
}

// Dialer opens the wallet connection
type Dialer func(ctx context.Context) (net.Conn, error)

// Master owns the wallet daemon connection and its timers
type Master struct {
	cfg      *config.Config
	state    *round.State
	ledger   *storage.Ledger
	payouts  *payout.Manager
	registry *slave.Registry
	policy   *policy.Server

	rounds    RoundRecorder
	observers []Observer
	hashFn    block.HashFunc

	dial      Dialer
	connMu    sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetHashFunc sets the origin hash applied to every template the daemon
// sends. Block records and CHECK_BLOCK use the same hash, so it must be the
// one the daemon reports back in ORPHAN_BLOCK.
func (m *Master) SetHashFunc(fn block.HashFunc) {
	m.hashFn = fn
}

// NewMaster creates the daemon session
func NewMaster(cfg *config.Config, state *round.State, ledger *storage.Ledger, payouts *payout.Manager, registry *slave.Registry, pol *policy.Server) *Master {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Master{
		cfg:      cfg,
		state:    state,
		ledger:   ledger,
		payouts:  payouts,
		registry: registry,
		policy:   pol,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.Wallet.DialTimeout}
		return d.DialContext(ctx, "tcp", cfg.Wallet.Address)
	}
	return m
}

// SetDialer replaces the wallet dialer
func (m *Master) SetDialer(d Dialer) {
	m.dial = d
}

// SetRoundRecorder attaches the round history store
func (m *Master) SetRoundRecorder(r RoundRecorder) {
	m.rounds = r
}

// AddObserver registers an event observer. Not safe after Start.
func (m *Master) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

// Connected reports whether the wallet session is up
func (m *Master) Connected() bool {
	return m.connected.Load()
}

// Start connects to the wallet and starts the timers
func (m *Master) Start() {
	util.Infof("[DAEMON] Connecting to wallet at %s", m.cfg.Wallet.Address)

	m.wg.Add(1)
	go m.run()

	timers := m.cfg.Timers
	m.startTimer("block", timers.Block, true, m.blockTick)
	m.startTimer("orphan", timers.Orphan, true, m.orphanTick)
	m.startTimer("poll", timers.Poll, true, m.pollTick)
	m.startTimer("maintenance", timers.Maintenance, false, m.maintenanceTick)
	m.startTimer("persistence", timers.Persistence, false, m.persistTick)
}

// Stop closes the wallet connection and cancels every timer
func (m *Master) Stop() {
	util.Info("[DAEMON] Stopping daemon session...")
	m.cancel()

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.connMu.Unlock()

	m.wg.Wait()
	util.Info("[DAEMON] Daemon session stopped")
}

// Send writes packets to the wallet
func (m *Master) Send(pkts ...packet.Packet) error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	for _, p := range pkts {
		if err := packet.Write(conn, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) setConn(conn net.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.connected.Store(conn != nil)
}

// run keeps one wallet session alive, reconnecting with capped backoff
func (m *Master) run() {
	defer m.wg.Done()

	backoff := initialBackoff
	limit := max(m.cfg.Wallet.ReconnectMax, initialBackoff)

	for {
		conn, err := m.dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			util.Errorf("[DAEMON] Connection to wallet not successful: %v, retrying in %s", err, backoff)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, limit)
			continue
		}

		backoff = initialBackoff
		m.serve(conn)
		if m.ctx.Err() != nil {
			return
		}
		util.Warn("[DAEMON] Wallet connection lost, reconnecting")
	}
}

// serve runs the single reader of one wallet connection. Messages are
// handled strictly in arrival order.
func (m *Master) serve(conn net.Conn) {
	m.setConn(conn)
	defer func() {
		m.setConn(nil)
		conn.Close()
	}()

	util.Info("[DAEMON] Connection to wallet established")
	if err := m.Send(packet.SetChannel(PrimeChannel), packet.GetHeightRequest); err != nil {
		util.Errorf("[DAEMON] Failed to select channel: %v", err)
		return
	}

	for {
		p, err := packet.Read(conn, packet.MaxDaemonPayload)
		if err != nil {
			switch {
			case m.ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				util.Warn("[DAEMON] Wallet closed the connection")
			default:
				util.Errorf("[DAEMON] Read failed: %v", err)
			}
			return
		}

		msg, err := packet.ParseDaemon(p)
		if err != nil {
			util.Errorf("[DAEMON] Received packet is invalid: %v", err)
			continue
		}
		if _, ok := msg.(packet.DaemonClosed); ok {
			util.Warn("[DAEMON] Wallet requested close")
			return
		}

		if out := m.Handle(msg); len(out) > 0 {
			if err := m.Send(out...); err != nil {
				util.Errorf("[DAEMON] Send failed: %v", err)
				return
			}
		}
	}
}

// startTimer runs tick every d until Stop. Timers that talk to the wallet
// skip their tick while it is disconnected.
func (m *Master) startTimer(name string, d time.Duration, needsWallet bool, tick func() []packet.Packet) {
	if d <= 0 {
		util.Warnf("[DAEMON] %s timer disabled", name)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if needsWallet && !m.Connected() {
					continue
				}
				if out := tick(); len(out) > 0 {
					if err := m.Send(out...); err != nil {
						util.Warnf("[DAEMON] %s timer: %v", name, err)
					}
				}
			}
		}
	}()
}
