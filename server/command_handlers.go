package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/broker"
	"github.com/opnfleet/controller/pkg/store"
)

func (s *Server) registerCommandRoutes(r *gin.Engine) {
	admin := r.Group("/v1/commands", s.requireAdmin)
	admin.POST("", s.handleEnqueueCommand)
	admin.GET("", s.handleListCommands)
	admin.POST("/:id/cancel", s.handleCancelCommand)
	admin.POST("/:id/retry", s.handleRetryCommand)
	admin.POST("/purge", s.handlePurgeCommands)
}

func (s *Server) handleEnqueueCommand(c *gin.Context) {
	var req struct {
		AgentID     string `json:"agent_id"`
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if req.AgentID == "" || req.Command == "" {
		respondError(c, http.StatusBadRequest, "agent_id and command are required", s.log)
		return
	}

	var agent store.Agent
	err := s.db.Where("agent_id = ?", req.AgentID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", s.log)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load agent", s.log)
		return
	}

	id, err := s.commands.Enqueue(req.AgentID, req.Command, req.Description)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to enqueue command", s.log)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "status": store.CommandPending})
}

func (s *Server) handleListCommands(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	commands, err := s.commands.List(c.Query("agent_id"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list commands", s.log)
		return
	}
	c.JSON(http.StatusOK, commands)
}

func (s *Server) handleCancelCommand(c *gin.Context) {
	s.mutateCommand(c, "cancel", s.commands.Cancel)
}

func (s *Server) handleRetryCommand(c *gin.Context) {
	s.mutateCommand(c, "retry", s.commands.Retry)
}

func (s *Server) mutateCommand(c *gin.Context, action string, fn func(uint, string) error) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid command id", s.log)
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}

	switch err := fn(id, req.AgentID); {
	case errors.Is(err, broker.ErrNotFound):
		respondError(c, http.StatusNotFound, "command not found", s.log)
	case errors.Is(err, broker.ErrInvalidStateTransition):
		respondError(c, http.StatusConflict, fmt.Sprintf("command cannot be %sed in its current state", action), s.log)
	case err != nil:
		respondError(c, http.StatusInternalServerError, "command update failed", s.log)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handlePurgeCommands(c *gin.Context) {
	deleted, err := s.commands.Purge()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "purge failed", s.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func parseUintParam(raw string) (uint, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty")
	}
	id64, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}
