package slave

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-pool/nxs-pool/internal/block"
	"github.com/nexus-pool/nxs-pool/internal/packet"
	"github.com/nexus-pool/nxs-pool/internal/policy"
	"github.com/nexus-pool/nxs-pool/internal/prime"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// Abuse score deltas
const (
	scoreRelogin      = 10
	scoreNotLoggedIn  = 10
	scoreGetBlock     = 1
	scoreUnknownBlock = 1
	scoreStale        = 2
	scoreDuplicate    = 5
	scoreLowShare     = 5
	scoreRateLimited  = 1
)

// Per-session packet rate
const (
	PacketRate  = 20
	PacketBurst = 40
)

// MaxTemplates bounds the templates a session keeps between round rollovers.
// Past it the lowest height template is dropped.
const MaxTemplates = 64

// Ban reasons
const (
	ReasonInvalidAddress = "Invalid address"
	ReasonBannedAccount  = "Account is banned"
	ReasonInvalidPacket  = "Invalid packet"
)

// ShareResult classifies a share submission
type ShareResult int

const (
	ShareUnknown ShareResult = iota
	ShareStale
	ShareDuplicate
	ShareLow
	ShareAccepted
	ShareBlock
	ShareRateLimited
)

func (r ShareResult) String() string {
	switch r {
	case ShareUnknown:
		return "unknown"
	case ShareStale:
		return "stale"
	case ShareDuplicate:
		return "duplicate"
	case ShareLow:
		return "low"
	case ShareAccepted:
		return "accepted"
	case ShareBlock:
		return "block"
	case ShareRateLimited:
		return "rate limited"
	}
	return "invalid"
}

// Session is one miner connection
type Session struct {
	ID          uint64
	IP          string
	ConnectedAt time.Time

	srv     *Server
	conn    net.Conn
	filter  *policy.Filter
	limiter *rate.Limiter
	log     *zap.SugaredLogger
	closed  atomic.Bool
	writeMu sync.Mutex

	mu        sync.Mutex
	address   string
	loggedIn  bool
	templates map[block.Hash]*block.Block
	shares    map[block.Hash]struct{}
	pps       float64
	wps       float64
}

func newSession(srv *Server, id uint64, conn net.Conn, ip string, filter *policy.Filter) *Session {
	return &Session{
		ID:          id,
		IP:          ip,
		ConnectedAt: time.Now(),
		srv:         srv,
		conn:        conn,
		filter:      filter,
		limiter:     rate.NewLimiter(PacketRate, PacketBurst),
		log:         util.With("session", id, "ip", ip),
		templates:   make(map[block.Hash]*block.Block),
		shares:      make(map[block.Hash]struct{}),
	}
}

// Address returns the logged in account, empty before login
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Rates returns the last reported primes and weighted sums per second
func (s *Session) Rates() (pps, wps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pps, s.wps
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close closes the connection; the read loop then tears the session down
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) && s.conn != nil {
		s.conn.Close()
	}
}

// Rollover forgets the round's templates and accepted shares
func (s *Session) Rollover() {
	s.mu.Lock()
	clear(s.templates)
	clear(s.shares)
	s.mu.Unlock()
}

// AssignTemplate records a template from the daemon and sends it to the miner
func (s *Session) AssignTemplate(b *block.Block) {
	hash := b.Hash()
	s.mu.Lock()
	if _, ok := s.templates[hash]; !ok && len(s.templates) >= MaxTemplates {
		s.evictOldestLocked()
	}
	s.templates[hash] = b
	s.mu.Unlock()

	if err := s.Send(packet.BlockData(b.MinerPayload(s.srv.minShare))); err != nil {
		s.log.Debugf("Failed to send block: %v", err)
	}
}

func (s *Session) evictOldestLocked() {
	var (
		oldest block.Hash
		height uint32
		found  bool
	)
	for hash, b := range s.templates {
		if !found || b.Height < height {
			oldest, height, found = hash, b.Height, true
		}
	}
	if found {
		delete(s.templates, oldest)
	}
}

// Templates returns the number of templates held for the open round
func (s *Session) Templates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.templates)
}

// Send writes packets to the miner
func (s *Session) Send(pkts ...packet.Packet) error {
	if s.conn == nil || s.Closed() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, p := range pkts {
		if err := packet.Write(s.conn, p); err != nil {
			return err
		}
	}
	return nil
}

// penalize adds to the request score and reports whether the peer may continue
func (s *Session) penalize(n int) bool {
	if s.filter == nil {
		return true
	}
	return s.srv.policy.Penalize(s.filter, n)
}

func (s *Session) ban(reason string) {
	if s.filter != nil {
		s.srv.policy.Ban(s.filter, reason)
	}
}

// allowed reports whether the session may keep running
func (s *Session) allowed() bool {
	if s.filter == nil || !s.srv.policy.Enabled() {
		return true
	}
	return !s.filter.Banned()
}

// HandlePacket parses and handles one inbound packet. It returns the replies
// and whether the session should stay open. Nothing is processed once the
// peer is banned.
func (s *Session) HandlePacket(p packet.Packet) ([]packet.Packet, bool) {
	if !s.allowed() {
		return nil, false
	}

	msg, err := packet.ParseMiner(p)
	if err != nil {
		s.log.Warnf("Protocol violation: %v", err)
		s.ban(ReasonInvalidPacket)
		return nil, s.allowed()
	}

	// login is scored on its own; over-rate shares still get an answer
	if _, login := msg.(packet.Login); !login && !s.limiter.Allow() {
		s.penalize(scoreRateLimited)
		if _, share := msg.(packet.SubmitShare); share {
			s.record(ShareRateLimited, 0)
			return []packet.Packet{packet.Control(packet.MinerReject)}, s.allowed()
		}
		return nil, s.allowed()
	}

	out := s.Handle(msg)
	return out, s.allowed()
}

// Handle applies one parsed message and returns the replies
func (s *Session) Handle(msg packet.MinerMessage) []packet.Packet {
	if login, ok := msg.(packet.Login); ok {
		s.handleLogin(login)
		return nil
	}

	if !s.LoggedIn() {
		s.penalize(scoreNotLoggedIn)
		s.log.Debug("Rejected request before login")
		return nil
	}

	switch m := msg.(type) {
	case packet.GetBlock:
		s.srv.registry.RequestBlock(s.ID)
		s.penalize(scoreGetBlock)
		return nil

	case packet.GetBalance:
		var balance uint64
		if acct, err := s.srv.ledger.Accounts.GetRecord(s.Address()); err == nil {
			balance = acct.Balance
		}
		return []packet.Packet{packet.AccountBalance(balance)}

	case packet.GetPayout:
		var pending uint64
		if s.srv.payouts != nil {
			pending = s.srv.payouts.PendingPayout(s.Address())
		}
		return []packet.Packet{packet.PendingPayout(pending)}

	case packet.Ping:
		return []packet.Packet{packet.Control(packet.MinerPing)}

	case packet.SubmitPPS:
		s.mu.Lock()
		s.pps, s.wps = m.PPS, m.WPS
		s.mu.Unlock()
		s.log.Debugf("PPS %.2f WPS %.2f", m.PPS, m.WPS)
		return []packet.Packet{packet.Control(packet.MinerPing)}

	case packet.SubmitShare:
		result := s.submitShare(m)
		return replies(result)
	}
	return nil
}

func (s *Session) handleLogin(m packet.Login) {
	s.mu.Lock()
	already := s.loggedIn
	s.mu.Unlock()
	if already {
		s.penalize(scoreRelogin)
		return
	}

	if !util.ValidateAddress(m.Address) {
		s.log.Warnf("Bad account %q", m.Address)
		s.ban(ReasonInvalidAddress)
		return
	}

	isNew := s.srv.ledger.EnsureAccount(m.Address)

	banned := s.srv.policy.Banned()
	if banned != nil && banned.IsAccountBanned(m.Address) {
		s.log.Warnf("Account %s is banned", m.Address)
		if !banned.IsIPBanned(s.IP) {
			banned.AddIP(s.IP)
		}
		s.ban(ReasonBannedAccount)
		return
	}

	acct := s.srv.ledger.Login(m.Address)

	s.mu.Lock()
	s.address = m.Address
	s.loggedIn = true
	s.mu.Unlock()
	s.log = s.log.With("account", m.Address)

	if isNew {
		s.log.Infof("[ACCOUNT] New account %s", m.Address)
	}
	s.log.Infof("Pool login (%d connections)", acct.Connections)
}

func replies(r ShareResult) []packet.Packet {
	switch r {
	case ShareUnknown:
		return []packet.Packet{packet.Control(packet.MinerReject), packet.Control(packet.MinerNewBlock)}
	case ShareStale:
		return []packet.Packet{packet.Control(packet.MinerStale), packet.Control(packet.MinerNewBlock)}
	case ShareDuplicate, ShareLow:
		return []packet.Packet{packet.Control(packet.MinerReject)}
	case ShareBlock:
		return []packet.Packet{packet.Control(packet.MinerBlock)}
	}
	return []packet.Packet{packet.Control(packet.MinerAccept)}
}

// submitShare runs the share pipeline. Only the template lookup and the
// accepted share set are guarded; verification runs unlocked.
func (s *Session) submitShare(m packet.SubmitShare) ShareResult {
	s.mu.Lock()
	tmpl, ok := s.templates[m.Hash]
	s.mu.Unlock()

	if !ok {
		s.penalize(scoreUnknownBlock)
		return s.record(ShareUnknown, 0)
	}
	if tmpl.Height != s.srv.state.Height() {
		s.penalize(scoreStale)
		return s.record(ShareStale, 0)
	}

	candidate := prime.Candidate(m.Hash, m.Nonce)
	key := prime.Encode(candidate)

	s.mu.Lock()
	_, dup := s.shares[key]
	s.mu.Unlock()
	if dup {
		s.penalize(scoreDuplicate)
		return s.record(ShareDuplicate, 0)
	}

	difficulty := s.srv.verifyShare(candidate)
	bits := prime.SetBits(difficulty)
	if bits < s.srv.minShare {
		s.penalize(scoreLowShare)
		return s.record(ShareLow, difficulty)
	}

	s.mu.Lock()
	if _, dup = s.shares[key]; !dup {
		s.shares[key] = struct{}{}
	}
	address := s.address
	s.mu.Unlock()
	if dup {
		s.penalize(scoreDuplicate)
		return s.record(ShareDuplicate, 0)
	}

	weight := prime.ShareWeight(difficulty)
	total := s.srv.ledger.AddRoundShares(address, weight)
	s.log.Debugf("Share accepted: difficulty %.7f weight %d round total %d", difficulty, weight, total)

	if bits < tmpl.Bits {
		return s.record(ShareAccepted, difficulty)
	}

	solved := tmpl.Clone()
	solved.Nonce = m.Nonce
	if !s.srv.registry.Submit(s.ID, address, solved) {
		s.log.Warnf("Block found at height %d but a submission is already pending", solved.Height)
		return s.record(ShareAccepted, difficulty)
	}

	s.log.Infof("[BLOCK] Found block at height %d, difficulty %.7f", solved.Height, difficulty)
	return s.record(ShareBlock, difficulty)
}

func (s *Session) record(r ShareResult, difficulty float64) ShareResult {
	if hook := s.srv.onShare; hook != nil {
		hook(s.Address(), r, difficulty)
	}
	return r
}
