package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/petrijr/reflow/pkg/api"
)

// instanceRequest is the body shared by /api/stop and /api/status.
type instanceRequest struct {
	InstanceID string `json:"instanceId" binding:"required"`
}

// statusResponse mirrors the instance status shape returned by /api/status.
type statusResponse struct {
	InstanceID  string    `json:"instanceId"`
	Status      string    `json:"status"`
	Input       any       `json:"input"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStart launches a new instance of the configured orchestration and
// returns its ID without waiting for any work to run.
func (s *Server) handleStart(c *gin.Context) {
	id, err := s.client.Start(c.Request.Context(), s.orchestration, nil)
	if err != nil {
		if errors.Is(err, api.ErrOrchestrationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("failed to start orchestration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start orchestration"})
		return
	}

	s.logger.Info("started orchestration",
		zap.String("orchestration", s.orchestration),
		zap.String("instance_id", id))

	c.JSON(http.StatusOK, gin.H{"instanceId": id})
}

// handleStop terminates the instance named in the request body. The response
// echoes the ID prefixed with "stop ", matching the start response shape.
func (s *Server) handleStop(c *gin.Context) {
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instanceId is required"})
		return
	}

	if err := s.client.Terminate(c.Request.Context(), req.InstanceID, "Stop command fires."); err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		s.logger.Error("failed to terminate instance",
			zap.String("instance_id", req.InstanceID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to terminate instance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"instanceId": "stop " + req.InstanceID})
}

// handleStatus is a point-in-time read of an instance.
func (s *Server) handleStatus(c *gin.Context) {
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instanceId is required"})
		return
	}

	inst, err := s.client.GetStatus(c.Request.Context(), req.InstanceID)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		s.logger.Error("failed to read instance status",
			zap.String("instance_id", req.InstanceID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read instance status"})
		return
	}

	resp := statusResponse{
		InstanceID:  inst.ID,
		Status:      string(inst.Status),
		Input:       inst.Input,
		LastUpdated: inst.LastUpdated,
	}
	if inst.Err != nil {
		resp.Error = inst.Err.Error()
	}
	if inst.Status.Terminal() {
		resp.Output = inst.Output
	}

	c.JSON(http.StatusOK, resp)
}

// handleListInstances lists instances, optionally filtered by query params
// ?name= and ?status=.
func (s *Server) handleListInstances(c *gin.Context) {
	opts := api.InstanceListOptions{
		Name:   c.Query("name"),
		Status: api.Status(c.Query("status")),
	}

	instances, err := s.client.ListInstances(c.Request.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list instances", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list instances"})
		return
	}

	out := make([]statusResponse, 0, len(instances))
	for _, inst := range instances {
		r := statusResponse{
			InstanceID:  inst.ID,
			Status:      string(inst.Status),
			Input:       inst.Input,
			LastUpdated: inst.LastUpdated,
		}
		if inst.Err != nil {
			r.Error = inst.Err.Error()
		}
		if inst.Status.Terminal() {
			r.Output = inst.Output
		}
		out = append(out, r)
	}

	c.JSON(http.StatusOK, gin.H{"instances": out})
}

// handleGetHistory returns the instance's current-execution history.
func (s *Server) handleGetHistory(c *gin.Context) {
	id := c.Param("id")

	events, err := s.client.GetHistory(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		s.logger.Error("failed to read instance history",
			zap.String("instance_id", id),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read instance history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"instanceId": id, "events": events})
}
