package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/opnfleet/controller/pkg/broker"
	"github.com/opnfleet/controller/pkg/store"
)

func (s *Server) registerRequestRoutes(r *gin.Engine) {
	admin := r.Group("/v1/requests", s.requireAdmin)
	admin.POST("", s.handleEnqueueRequest)
	admin.GET("/resolve/:correlation_id", s.handleResolveRequest)
}

// handleEnqueueRequest queues an HTTP call to be executed against the
// agent's local service. The caller gets a correlation id back and polls
// resolve until the relayed response lands.
func (s *Server) handleEnqueueRequest(c *gin.Context) {
	var req struct {
		AgentID       string `json:"agent_id"`
		CorrelationID string `json:"correlation_id"`
		Method        string `json:"method"`
		Path          string `json:"path"`
		Headers       string `json:"headers"`
		Body          string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.log)
		return
	}
	if req.AgentID == "" || req.Method == "" || req.Path == "" {
		respondError(c, http.StatusBadRequest, "agent_id, method and path are required", s.log)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = xid.New().String()
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

	id, err := s.requests.Enqueue(req.AgentID, req.CorrelationID, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to enqueue request", s.log)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":             id,
		"correlation_id": req.CorrelationID,
		"status":         store.RequestPending,
	})
}

func (s *Server) handleResolveRequest(c *gin.Context) {
	resolution, err := s.requests.Resolve(c.Param("correlation_id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "resolve failed", s.log)
		return
	}

	switch resolution.State {
	case broker.ResolutionNotFound:
		c.JSON(http.StatusNotFound, gin.H{"state": resolution.State})
	case broker.ResolutionPending:
		c.JSON(http.StatusOK, gin.H{"state": resolution.State})
	default:
		c.JSON(http.StatusOK, gin.H{
			"state":            resolution.State,
			"response_status":  resolution.Request.ResponseStatus,
			"response_headers": resolution.Request.ResponseHeaders,
			"response_body":    resolution.Request.ResponseBody,
		})
	}
}
