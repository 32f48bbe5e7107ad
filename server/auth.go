package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
)

const (
	agentIDHeader     = "X-Agent-ID"
	fingerprintHeader = "X-Agent-Fingerprint"
	agentContextKey   = "agent"
)

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.log)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.log)
		return
	}
	c.Next()
}

// requireAgent authenticates an inbound agent call by agent id plus hardware
// fingerprint. The fingerprint comparison is constant-time; a missing or
// mismatched fingerprint is rejected outright.
func (s *Server) requireAgent(c *gin.Context) {
	agentID := c.GetHeader(agentIDHeader)
	fingerprint := c.GetHeader(fingerprintHeader)
	if agentID == "" || fingerprint == "" {
		respondError(c, http.StatusUnauthorized, "missing agent credentials", s.log)
		return
	}

	if !s.limiter.Allow(agentID, s.cfg.Agents.CheckinRateLimit, time.Minute) {
		respondError(c, http.StatusTooManyRequests, "rate limited", s.log)
		return
	}

	var agent store.Agent
	err := s.db.Where("agent_id = ?", agentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusUnauthorized, "agent not enrolled", s.log)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load agent", s.log)
		return
	}

	if !s.hasher.Verify(fingerprint, agent.FingerprintHash) {
		logger := requestLogger(c, s.log)
		logger.Warn().Str("agent_id", agentID).Msg("fingerprint mismatch")
		respondError(c, http.StatusUnauthorized, "authentication failed", s.log)
		return
	}

	c.Set(agentContextKey, &agent)
	c.Next()
}

func currentAgent(c *gin.Context) *store.Agent {
	return c.MustGet(agentContextKey).(*store.Agent)
}
