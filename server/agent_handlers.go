package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/store"
	"github.com/opnfleet/controller/pkg/tunnel"
)

func (s *Server) registerAgentRoutes(r *gin.Engine) {
	agent := r.Group("/v1/agents", s.requireAgent)
	agent.POST("/checkin", s.handleCheckin)
	agent.POST("/commands/:id/result", s.handleCommandResult)
	agent.POST("/requests/:id/response", s.handleRequestResponse)

	admin := r.Group("/v1/agents", s.requireAdmin)
	admin.POST("/register", s.handleRegisterAgent)
	admin.GET("", s.handleListAgents)
	admin.GET("/:agent_id", s.handleGetAgent)
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req struct {
		Hostname    string `json:"hostname"`
		Fingerprint string `json:"fingerprint"`
		Address     string `json:"address"`
		WebUIPort   int    `json:"web_ui_port"`
		WebUIScheme string `json:"web_ui_scheme"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if req.Fingerprint == "" || req.Address == "" {
		respondError(c, http.StatusBadRequest, "missing required fields", s.log)
		return
	}
	if req.WebUIPort <= 0 {
		req.WebUIPort = 443
	}
	scheme := strings.ToLower(req.WebUIScheme)
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}

	agentID := generateAgentID(req.Hostname)
	privatePEM, authorizedKey, err := tunnel.GenerateKeypair("opnfleet-" + agentID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate keypair", s.log)
		return
	}

	agent := store.Agent{
		AgentID:         agentID,
		Hostname:        req.Hostname,
		FingerprintHash: s.hasher.HashString(req.Fingerprint),
		Address:         req.Address,
		WebUIPort:       req.WebUIPort,
		WebUIScheme:     scheme,
		Status:          store.AgentPending,
		SSHPrivateKey:   privatePEM,
		SSHPublicKey:    authorizedKey,
	}
	if err := s.db.Create(&agent).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist agent", s.log)
		return
	}

	logger := requestLogger(c, s.log)
	logger.Info().Str("agent_id", agentID).Str("hostname", req.Hostname).Msg("agent registered")
	c.JSON(http.StatusCreated, gin.H{
		"agent_id":       agentID,
		"authorized_key": authorizedKey,
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	var agents []store.Agent
	if err := s.db.Order("created_at asc").Find(&agents).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list agents", s.log)
		return
	}
	resp := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, agentView(&a))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	var agent store.Agent
	err := s.db.Where("agent_id = ?", c.Param("agent_id")).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", s.log)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load agent", s.log)
		return
	}
	c.JSON(http.StatusOK, agentView(&agent))
}

func agentView(a *store.Agent) gin.H {
	return gin.H{
		"agent_id":      a.AgentID,
		"hostname":      a.Hostname,
		"address":       a.Address,
		"web_ui_port":   a.WebUIPort,
		"web_ui_scheme": a.WebUIScheme,
		"status":        a.Status,
		"last_checkin":  a.LastCheckin,
	}
}

// handleCheckin is the agent's periodic poll: it flips the agent online,
// then claims pending work from both queues. Internal broker trouble
// degrades to "no work" rather than an error that would trigger agent retry
// storms.
func (s *Server) handleCheckin(c *gin.Context) {
	agent := currentAgent(c)
	logger := requestLogger(c, s.log)

	err := s.db.Model(&store.Agent{}).
		Where("agent_id = ?", agent.AgentID).
		Updates(map[string]interface{}{
			"status":       store.AgentOnline,
			"last_checkin": time.Now().UTC(),
		}).Error
	if err != nil {
		logger.Error().Err(err).Str("agent_id", agent.AgentID).Msg("check-in update failed")
	}

	commands, err := s.commands.Poll(agent.AgentID, s.cfg.Queue.PollLimit)
	if err != nil {
		logger.Error().Err(err).Str("agent_id", agent.AgentID).Msg("command poll failed")
		commands = nil
	}
	requests, err := s.requests.PollBatch(agent.AgentID, s.cfg.Queue.BatchLimit)
	if err != nil {
		logger.Error().Err(err).Str("agent_id", agent.AgentID).Msg("request poll failed")
		requests = nil
	}

	cmdViews := make([]gin.H, 0, len(commands))
	for _, cmd := range commands {
		cmdViews = append(cmdViews, gin.H{
			"id":          cmd.ID,
			"command":     cmd.Command,
			"description": cmd.Description,
		})
	}
	reqViews := make([]gin.H, 0, len(requests))
	for _, req := range requests {
		reqViews = append(reqViews, gin.H{
			"id":      req.ID,
			"method":  req.Method,
			"path":    req.Path,
			"headers": req.Headers,
			"body":    req.Body,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"commands": cmdViews,
		"requests": reqViews,
	})
}

func (s *Server) handleCommandResult(c *gin.Context) {
	agent := currentAgent(c)
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid command id", s.log)
		return
	}

	var req struct {
		Outcome string `json:"outcome"`
		Output  string `json:"output"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	err = s.commands.Report(id, agent.AgentID, req.Outcome, req.Output)
	if err != nil {
		// Unknown or stale work: the agent should drop it, not retry.
		logger := requestLogger(c, s.log)
		logger.Warn().Err(err).Uint("command_id", id).
			Str("agent_id", agent.AgentID).Msg("command report ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRequestResponse(c *gin.Context) {
	agent := currentAgent(c)
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid request id", s.log)
		return
	}

	var req struct {
		StatusCode int    `json:"status_code"`
		Headers    string `json:"headers"`
		Body       string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	err = s.requests.SubmitResponse(id, agent.AgentID, req.StatusCode, req.Headers, req.Body)
	if err != nil {
		logger := requestLogger(c, s.log)
		logger.Warn().Err(err).Uint("request_id", id).
			Str("agent_id", agent.AgentID).Msg("request response ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func generateAgentID(hostname string) string {
	prefix := strings.ToLower(strings.ReplaceAll(hostname, " ", "-"))
	if prefix == "" {
		prefix = "agent"
	}
	suffix, err := generateSecret()
	if err != nil {
		suffix = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, suffix[:12])
}

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
