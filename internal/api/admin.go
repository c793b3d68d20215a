package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nexus-pool/nxs-pool/internal/util"
)

const (
	adminSubject    = "admin"
	defaultTokenTTL = time.Hour
)

// LoginRequest exchanges the admin password for a token
type LoginRequest struct {
	Password string `json:"password"`
}

// BanAccountRequest bans a payout address
type BanAccountRequest struct {
	Address string `json:"address"`
}

// BanIPRequest bans a peer address
type BanIPRequest struct {
	IP string `json:"ip"`
}

func (s *Server) signingKey() []byte {
	return []byte(s.cfg.API.AdminSecret)
}

func (s *Server) issueToken(now time.Time) (string, time.Time, error) {
	ttl := s.cfg.API.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	expires := now.Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		Issuer:    s.cfg.Pool.Name,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey())
	return token, expires, err
}

func (s *Server) verifyToken(raw string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(adminSubject))
	return err
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.API.AdminPassword)) != 1 {
		util.Warnf("Admin: failed login from %s", c.ClientIP())
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid password"})
		return
	}

	token, expires, err := s.issueToken(time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "expires": expires.Unix()})
}

// adminAuthMiddleware requires a valid bearer token
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		if err := s.verifyToken(raw); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, jwt.ErrTokenExpired) {
				c.JSON(status, gin.H{"error": "Token expired"})
			} else {
				c.JSON(status, gin.H{"error": "Invalid token"})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) handleGetBans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts": s.banned.Accounts(),
		"ips":      s.banned.IPs(),
	})
}

func (s *Server) handleBanAccount(c *gin.Context) {
	var req BanAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address required"})
		return
	}

	s.banned.AddAccount(req.Address)
	if !s.saveBans(c) {
		return
	}

	util.Infof("Admin: banned account %s", req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "address": req.Address})
}

func (s *Server) handleBanIP(c *gin.Context) {
	var req BanIPRequest
	if err := c.ShouldBindJSON(&req); err != nil || net.ParseIP(req.IP) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid IP required"})
		return
	}

	s.banned.AddIP(req.IP)
	if !s.saveBans(c) {
		return
	}

	util.Infof("Admin: banned IP %s", req.IP)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ip": req.IP})
}

func (s *Server) handleUnbanAccount(c *gin.Context) {
	address := c.Param("address")
	if !s.banned.RemoveAccount(address) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not banned"})
		return
	}
	if !s.saveBans(c) {
		return
	}

	util.Infof("Admin: unbanned account %s", address)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "address": address})
}

func (s *Server) handleUnbanIP(c *gin.Context) {
	ip := c.Param("ip")
	if !s.banned.RemoveIP(ip) {
		c.JSON(http.StatusNotFound, gin.H{"error": "IP not banned"})
		return
	}
	if !s.saveBans(c) {
		return
	}

	util.Infof("Admin: unbanned IP %s", ip)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ip": ip})
}

// saveBans persists the lists, answering 500 on failure
func (s *Server) saveBans(c *gin.Context) bool {
	if err := s.banned.Save(); err != nil {
		util.Errorf("Admin: failed to save ban lists: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save ban lists"})
		return false
	}
	return true
}
