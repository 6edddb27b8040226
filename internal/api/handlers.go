package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/discovery"
	"github.com/praxis/a2a-router/internal/transport"
)

const maxMessageBytes = 16 << 20

// statusForCode maps a failed receipt to the HTTP status returned to the
// sending peer. Any non-2xx status makes the sender's HTTP transport treat
// the delivery as rejected.
func statusForCode(code a2a.ErrorCode) int {
	switch code {
	case a2a.CodeInvalidFormat, a2a.CodeBusinessRuleViolation:
		return http.StatusBadRequest
	case a2a.CodeSignatureInvalid, a2a.CodeCertificateInvalid, a2a.CodeCertificateExpired:
		return http.StatusUnauthorized
	case a2a.CodeAgentNotFound:
		return http.StatusNotFound
	case a2a.CodeDuplicateMessage:
		return http.StatusConflict
	case a2a.CodeMessageFiltered:
		return http.StatusUnprocessableEntity
	case a2a.CodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func rejectReceipt(id string, err error) *a2a.MessageReceipt {
	now := time.Now().UTC()
	return &a2a.MessageReceipt{
		MessageID: id,
		Status:    a2a.ReceiptFailed,
		Timestamp: now,
		Error:     a2a.NewReceiptError(err, now),
	}
}

func (s *APIServer) postMessage(c *gin.Context) {
	headerID := c.GetHeader(transport.HeaderMessageID)
	if v := c.GetHeader(transport.HeaderProtocolVersion); v != "" && v != a2a.ProtocolVersion {
		err := fmt.Errorf("%w: unsupported protocol version %s", a2a.ErrInvalidFormat, v)
		c.JSON(http.StatusBadRequest, rejectReceipt(headerID, err))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageBytes)
	var msg a2a.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, rejectReceipt(headerID, fmt.Errorf("%w: %v", a2a.ErrInvalidFormat, err)))
		return
	}
	if headerID != "" && headerID != msg.ID {
		err := fmt.Errorf("%w: message id header does not match body", a2a.ErrInvalidFormat)
		c.JSON(http.StatusBadRequest, rejectReceipt(msg.ID, err))
		return
	}

	log := s.log.WithMessage(msg.ID).WithCorrelation(msg.CorrelationID)
	log.Debugf("HTTP ingress from %s", c.ClientIP())

	receipt := s.deps.Router.RouteMessage(c.Request.Context(), &msg)
	if receipt.Status == a2a.ReceiptCompleted {
		c.JSON(http.StatusOK, receipt)
		return
	}
	log.Debugf("HTTP ingress rejected: %s", receipt.Error.Code)
	c.JSON(statusForCode(receipt.Error.Code), receipt)
}

func (s *APIServer) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Router.GetStatistics())
}

func (s *APIServer) getHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"routerId":  s.deps.RouterID,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(s.deps.Transports) > 0 {
		resp["transports"] = s.deps.Transports
	}
	if s.deps.Discovery != nil {
		resp["agents"] = s.deps.Discovery.Count()
	}
	if s.deps.Router != nil {
		stats := s.deps.Router.GetStatistics()
		resp["queueSize"] = stats.QueueSize
		resp["activeSessions"] = stats.ActiveSessions
	}
	c.JSON(http.StatusOK, resp)
}

// getAgent serves the local registry only. Peers call it for federation, so
// answering from their own federation endpoints could loop.
func (s *APIServer) getAgent(c *gin.Context) {
	profile, ok := s.deps.Discovery.LocalAgent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *APIServer) listAgents(c *gin.Context) {
	q := discovery.Query{
		Capabilities: queryList(c, "capability"),
		Categories:   queryList(c, "category"),
		AgentTypes:   queryList(c, "type"),
		Status:       a2a.AgentStatus(c.Query("status")),
	}
	var err error
	if q.Offset, err = queryInt(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agents, err := s.deps.Discovery.DiscoverAgents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agents == nil {
		agents = []*a2a.AgentProfile{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (s *APIServer) registerAgent(c *gin.Context) {
	var profile a2a.AgentProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Discovery.RegisterAgent(c.Request.Context(), &profile); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, a2a.ErrInvalidFormat) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	stored, _ := s.deps.Discovery.LocalAgent(profile.ID)
	c.JSON(http.StatusCreated, stored)
}

func (s *APIServer) unregisterAgent(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.deps.Discovery.LocalAgent(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "id": id})
		return
	}
	if err := s.deps.Discovery.UnregisterAgent(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type statusRequest struct {
	Status a2a.AgentStatus `json:"status" binding:"required"`
}

func (s *APIServer) updateAgentStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Status {
	case a2a.StatusActive, a2a.StatusInactive, a2a.StatusMaintenance, a2a.StatusError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(req.Status)})
		return
	}

	id := c.Param("id")
	if err := s.deps.Discovery.UpdateAgentStatus(c.Request.Context(), id, req.Status); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, a2a.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	profile, _ := s.deps.Discovery.LocalAgent(id)
	c.JSON(http.StatusOK, profile)
}

func (s *APIServer) getCapabilities(c *gin.Context) {
	caps := s.deps.Discovery.GetAvailableCapabilities()
	if caps == nil {
		caps = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": caps})
}

func (s *APIServer) getCategories(c *gin.Context) {
	cats := s.deps.Discovery.GetCategories()
	if cats == nil {
		cats = []discovery.CategoryCount{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

// queryList accepts both repeated parameters and comma-separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if v := strings.TrimSpace(part); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
