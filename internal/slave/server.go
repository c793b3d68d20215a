// Package slave implements the miner listener: the LLP miner protocol, the
// share pipeline and the registry the daemon session uses to reach miners.
package slave

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/packet"
	"github.com/nexus-pool/nxs-pool/internal/policy"
	"github.com/nexus-pool/nxs-pool/internal/prime"
	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/stats"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// VerifyFunc scores a candidate
type VerifyFunc func(candidate *big.Int) float64

// PayoutSource reports the coinbase output pending for an address
type PayoutSource interface {
	PendingPayout(address string) uint64
}

// ShareHook observes every share result
type ShareHook func(address string, result ShareResult, difficulty float64)

// Server accepts miner connections
type Server struct {
	bind     string
	timeout  time.Duration
	minShare uint32

	policy   *policy.Server
	ledger   *storage.Ledger
	state    *round.State
	payouts  PayoutSource
	registry *Registry

	verify VerifyFunc
	slots  sizedwaitgroup.SizedWaitGroup

	onShare ShareHook

	listener net.Listener
	seq      atomic.Uint64
	sessions sync.Map // id -> *Session

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates the miner listener
func NewServer(cfg *config.Config, pol *policy.Server, ledger *storage.Ledger, state *round.State, payouts PayoutSource, registry *Registry) *Server {
	workers := cfg.Pool.VerifyWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Server{
		bind:     cfg.Pool.Bind,
		timeout:  cfg.Pool.SessionTimeout,
		minShare: cfg.Pool.MinShare,
		policy:   pol,
		ledger:   ledger,
		state:    state,
		payouts:  payouts,
		registry: registry,
		verify:   prime.Verify,
		slots:    sizedwaitgroup.New(workers),
		quit:     make(chan struct{}),
	}
}

// SetVerifier replaces the PoW verifier
func (s *Server) SetVerifier(fn VerifyFunc) {
	s.verify = fn
}

// SetShareHook registers a share observer
func (s *Server) SetShareHook(fn ShareHook) {
	s.onShare = fn
}

// Registry returns the session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// verifyShare runs the verifier inside one of the bounded worker slots
func (s *Server) verifyShare(candidate *big.Int) float64 {
	s.slots.Add()
	defer s.slots.Done()
	return s.verify(candidate)
}

// Start begins listening for miners
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("failed to bind miner server: %w", err)
	}
	s.listener = listener
	util.Infof("Miner server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every session
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.Range(func(_, value any) bool {
		value.(*Session).Close()
		return true
	})

	s.wg.Wait()
	util.Info("Miner server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				util.Warnf("Accept error: %v", err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		filter, ok := s.policy.Accept(ip)
		if !ok {
			util.Debugf("Rejected connection from %s", ip)
			conn.Close()
			continue
		}

		session := s.NewSession(conn, ip, filter)
		s.wg.Add(1)
		go s.handleSession(session)
	}
}

// NewSession creates and registers a session for conn
func (s *Server) NewSession(conn net.Conn, ip string, filter *policy.Filter) *Session {
	session := newSession(s, s.seq.Add(1), conn, ip, filter)
	s.sessions.Store(session.ID, session)
	s.registry.Register(session)
	return session
}

func (s *Server) handleSession(session *Session) {
	defer s.wg.Done()
	defer s.closeSession(session)

	session.log.Debug("Miner connected")

	for {
		if s.timeout > 0 {
			session.conn.SetReadDeadline(time.Now().Add(s.timeout))
		}

		p, err := packet.Read(session.conn, packet.MaxMinerPayload)
		if err != nil {
			if packet.IsViolation(err) {
				session.log.Warnf("Framing violation: %v", err)
				session.ban(ReasonInvalidPacket)
			} else if !errors.Is(err, io.EOF) && !session.Closed() {
				session.log.Debugf("Read error: %v", err)
			}
			return
		}

		replies, ok := session.HandlePacket(p)
		if len(replies) > 0 {
			if err := session.Send(replies...); err != nil {
				return
			}
		}
		if !ok {
			session.log.Debug("Closing banned peer")
			return
		}
	}
}

func (s *Server) closeSession(session *Session) {
	session.Close()
	s.sessions.Delete(session.ID)
	s.policy.Release(session.filter)

	if session.LoggedIn() {
		s.ledger.Logout(session.Address())
	}
	session.log.Debug("Miner disconnected")
}

// SessionCount returns the number of open sessions
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ConnectionSamples aggregates live sessions per account
func (s *Server) ConnectionSamples() []stats.ConnectionRow {
	byAddress := make(map[string]*stats.ConnectionRow)
	var order []string

	s.sessions.Range(func(_, value any) bool {
		session := value.(*Session)
		addr := session.Address()
		if addr == "" {
			return true
		}
		row, ok := byAddress[addr]
		if !ok {
			row = &stats.ConnectionRow{Address: addr}
			byAddress[addr] = row
			order = append(order, addr)
		}
		pps, wps := session.Rates()
		row.Connections++
		row.PPS += pps
		row.WPS += wps
		return true
	})

	out := make([]stats.ConnectionRow, 0, len(order))
	for _, addr := range order {
		out = append(out, *byAddress[addr])
	}
	return out
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
