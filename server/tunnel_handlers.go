package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opnfleet/controller/pkg/broker"
	"github.com/opnfleet/controller/pkg/tunnel"
)

func (s *Server) registerTunnelRoutes(r *gin.Engine) {
	admin := r.Group("/v1/tunnels", s.requireAdmin)
	admin.POST("", s.handleOpenTunnel)
	admin.GET("", s.handleListTunnels)
	admin.POST("/:id/touch", s.handleTouchTunnel)
	admin.DELETE("/:id", s.handleCloseTunnel)
	admin.POST("/reset", s.handleResetTunnels)
}

func (s *Server) handleOpenTunnel(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if req.AgentID == "" {
		respondError(c, http.StatusBadRequest, "agent_id is required", s.log)
		return
	}

	session, err := s.tunnels.Open(req.AgentID)
	switch {
	case errors.Is(err, broker.ErrNotFound):
		respondError(c, http.StatusNotFound, "agent not found", s.log)
	case errors.Is(err, tunnel.ErrKeyRejected):
		// Recoverable: a redeploy command is already queued; the operator
		// retries after the agent's next check-in.
		respondError(c, http.StatusConflict, "ssh key rejected, redeploy queued", s.log)
	case errors.Is(err, tunnel.ErrPortsExhausted):
		respondError(c, http.StatusServiceUnavailable, "no tunnel ports available", s.log)
	case err != nil:
		respondError(c, http.StatusBadGateway, "tunnel setup failed", s.log)
	default:
		c.JSON(http.StatusCreated, gin.H{
			"id":           session.ID,
			"agent_id":     session.AgentID,
			"forward_port": session.ForwardPort,
			"edge_port":    session.EdgePort,
			"expires_at":   session.ExpiresAt,
		})
	}
}

func (s *Server) handleListTunnels(c *gin.Context) {
	sessions, err := s.tunnels.ListActive()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list sessions", s.log)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleTouchTunnel(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid session id", s.log)
		return
	}
	if err := s.tunnels.Touch(id); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			respondError(c, http.StatusNotFound, "session not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "touch failed", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCloseTunnel(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid session id", s.log)
		return
	}
	if err := s.tunnels.Close(id, "operator"); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			respondError(c, http.StatusNotFound, "session not found", s.log)
			return
		}
		respondError(c, http.StatusInternalServerError, "close failed", s.log)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResetTunnels(c *gin.Context) {
	closed, err := s.tunnels.ForceReset()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "reset failed", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
