// Package api provides the read-only REST API, the event feed and the
// admin ban endpoints.
package api

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/payout"
	"github.com/nexus-pool/nxs-pool/internal/policy"
	"github.com/nexus-pool/nxs-pool/internal/round"
	"github.com/nexus-pool/nxs-pool/internal/stats"
	"github.com/nexus-pool/nxs-pool/internal/storage"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// List limits
const (
	defaultLimit = 50
	maxLimit     = 500
)

// Server is the API server
type Server struct {
	cfg     *config.Config
	ledger  *storage.Ledger
	state   *round.State
	payouts *payout.Manager
	history *stats.DB
	banned  *policy.BannedUsers
	hub     *Hub

	connections func() int
	tracer      Tracer
	started     time.Time

	router *gin.Engine
	server *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsResponse is the /api/stats response
type StatsResponse struct {
	Pool            string  `json:"pool"`
	Height          uint32  `json:"height"`
	Round           uint32  `json:"round"`
	CoinbasePending bool    `json:"coinbasePending"`
	RoundReward     uint64  `json:"roundReward"`
	LastFinder      string  `json:"lastFinder"`
	Connections     int     `json:"connections"`
	RoundWeight     uint64  `json:"roundWeight"`
	Accounts        int     `json:"accounts"`
	Fee             float64 `json:"fee"`
	Uptime          string  `json:"uptime"`
	Now             int64   `json:"now"`
}

// AccountResponse is the /api/accounts/:address response
type AccountResponse struct {
	Address       string `json:"address"`
	Balance       uint64 `json:"balance"`
	RoundShares   uint64 `json:"roundShares"`
	PendingPayout uint64 `json:"pendingPayout"`
	Connections   uint32 `json:"connections"`
	LastSeen      int64  `json:"lastSeen"`
}

// BlockResponse is a block in the blocks list
type BlockResponse struct {
	Hash      string `json:"hash"`
	Round     uint32 `json:"round"`
	Height    uint32 `json:"height"`
	Reward    uint64 `json:"reward"`
	Finder    string `json:"finder"`
	Orphan    bool   `json:"orphan"`
	Timestamp int64  `json:"timestamp"`
}

// NewServer creates a new API server. history and banned may be nil, which
// disables the routes that need them.
func NewServer(cfg *config.Config, ledger *storage.Ledger, state *round.State, payouts *payout.Manager, history *stats.DB, banned *policy.BannedUsers) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		ledger:  ledger,
		state:   state,
		payouts: payouts,
		history: history,
		banned:  banned,
		hub:     NewHub(),
		started: time.Now(),
		router:  router,
	}

	s.setupRoutes()
	return s
}

// SetConnectionCounter sets the source of the live connection count
func (s *Server) SetConnectionCounter(fn func() int) {
	s.connections = fn
}

// Tracer starts APM transactions; a nil transaction means tracing is off
type Tracer interface {
	StartTransaction(name string) *newrelic.Transaction
}

// SetTracer wraps each API request in a transaction from t
func (s *Server) SetTracer(t Tracer) {
	s.tracer = t
}

// Hub returns the event feed
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
	s.router.Use(s.traceMiddleware)

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/rounds", s.handleRounds)
		api.GET("/accounts/:address", s.handleAccount)
		api.GET("/accounts/:address/earnings", s.handleEarnings)
		api.GET("/accounts/:address/payments", s.handlePayments)
		api.GET("/ws", s.hub.ServeWS)
	}

	if s.cfg.API.AdminPassword != "" && s.banned != nil {
		s.router.POST("/admin/login", s.handleLogin)

		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/bans", s.handleGetBans)
			admin.POST("/bans/accounts", s.handleBanAccount)
			admin.POST("/bans/ips", s.handleBanIP)
			admin.DELETE("/bans/accounts/:address", s.handleUnbanAccount)
			admin.DELETE("/bans/ips/:ip", s.handleUnbanIP)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// traceMiddleware records each request as a web transaction named after its
// route. The event feed is skipped since it lives as long as the socket.
func (s *Server) traceMiddleware(c *gin.Context) {
	route := c.FullPath()
	if s.tracer == nil || route == "/api/ws" {
		c.Next()
		return
	}
	if route == "" {
		route = "NotFound"
	}

	txn := s.tracer.StartTransaction(c.Request.Method + " " + route)
	if txn == nil {
		c.Next()
		return
	}
	defer txn.End()
	txn.SetWebRequestHTTP(c.Request)

	c.Next()

	txn.SetWebResponse(nil).WriteHeader(c.Writer.Status())
	if err := c.Errors.Last(); err != nil {
		txn.NoticeError(err)
	}
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.API.Bind,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server and drops feed clients
func (s *Server) Stop() error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(http.StatusOK, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	snap := s.state.Snapshot()
	response := &StatsResponse{
		Pool:            s.cfg.Pool.Name,
		Height:          snap.Height,
		Round:           snap.Round,
		CoinbasePending: snap.CoinbasePending,
		RoundReward:     snap.RoundReward,
		LastFinder:      snap.LastFinder,
		RoundWeight:     s.payouts.TotalWeight(),
		Accounts:        s.ledger.Accounts.Len(),
		Fee:             s.cfg.Pool.Fee,
		Uptime:          util.HumanDuration(time.Since(s.started).Round(time.Second)),
		Now:             time.Now().Unix(),
	}
	if s.connections != nil {
		response.Connections = s.connections()
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleBlocks(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))

	blocks := make([]BlockResponse, 0, s.ledger.Blocks.Len())
	for _, key := range s.ledger.Blocks.GetKeys() {
		rec, err := s.ledger.Blocks.GetRecord(key)
		if err != nil {
			continue
		}
		blocks = append(blocks, BlockResponse{
			Hash:      rec.Hash,
			Round:     rec.Round,
			Height:    rec.Height,
			Reward:    rec.Reward,
			Finder:    rec.Finder,
			Orphan:    rec.Orphan,
			Timestamp: rec.Timestamp,
		})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Round > blocks[j].Round })
	if len(blocks) > limit {
		blocks = blocks[:limit]
	}

	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

func (s *Server) handleRounds(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Statistics disabled"})
		return
	}

	rounds, err := s.history.Rounds(parseLimit(c.Query("limit")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get rounds"})
		return
	}
	if rounds == nil {
		rounds = []stats.RoundRow{}
	}

	c.JSON(http.StatusOK, gin.H{"rounds": rounds})
}

func (s *Server) handleAccount(c *gin.Context) {
	address := c.Param("address")
	if !util.ValidateAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}

	acct, err := s.ledger.Accounts.GetRecord(address)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	c.JSON(http.StatusOK, AccountResponse{
		Address:       address,
		Balance:       acct.Balance,
		RoundShares:   acct.RoundShares,
		PendingPayout: s.payouts.PendingPayout(address),
		Connections:   acct.Connections,
		LastSeen:      acct.LastSeen,
	})
}

func (s *Server) handleEarnings(c *gin.Context) {
	s.handleHistory(c, "earnings", s.history.Earnings)
}

func (s *Server) handlePayments(c *gin.Context) {
	s.handleHistory(c, "payments", s.history.Payments)
}

func (s *Server) handleHistory(c *gin.Context, key string, query func(string, int) ([]stats.HistoryRow, error)) {
	address := c.Param("address")
	if !util.ValidateAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Statistics disabled"})
		return
	}

	rows, err := query(address, parseLimit(c.Query("limit")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get " + key})
		return
	}
	if rows == nil {
		rows = []stats.HistoryRow{}
	}

	c.JSON(http.StatusOK, gin.H{"address": address, key: rows})
}

// parseLimit reads a list limit, falling back to the default
func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
