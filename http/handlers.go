package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

// errorResponse is the body of every non-2xx answer
type errorResponse struct {
	Message string  `json:"message"`
	Issues  []Issue `json:"issues,omitempty"`
}

// POST /api/payments/create
func (s *Server) handleCreate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request", Issues: []Issue{{Path: "(root)", Message: "unreadable body"}}})
		return
	}
	if issues := validateCreateBody(body); len(issues) > 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request", Issues: issues})
		return
	}

	var req zpay.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request", Issues: issuesFor(err)})
		return
	}

	session, err := s.payments.Create(c.Request.Context(), req)
	if err != nil {
		if zpay.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request", Issues: issuesFor(err)})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "Failed to create payment session"})
		return
	}

	s.log.Info("payment session created", zap.String("session_id", session.ID))
	c.JSON(http.StatusCreated, session)
}

// GET /api/payments/list?cursor=&limit=
func (s *Server) handleList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	result, err := s.payments.List(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "Failed to list payment sessions"})
		return
	}
	s.log.Debug("list payment sessions", zap.Int("count", len(result.Sessions)))
	c.JSON(http.StatusOK, result)
}

// GET /api/payments/status/:id
func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")

	session, err := s.payments.Refresh(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, zpay.ErrSessionNotFound) {
			s.log.Warn("payment session missing", zap.String("session_id", id))
			c.JSON(http.StatusNotFound, errorResponse{Message: "Not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "Failed to refresh payment session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// POST /api/payments/cron
func (s *Server) handleCron(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.sweepTimeout)
	defer cancel()

	report, err := s.payments.Sweep(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Message: "Failed to process pending sessions"})
		return
	}
	s.log.Info("cron processed pending sessions",
		zap.Int("visited", report.Visited),
		zap.Int("errors", report.Errors))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "report": report})
}

// GET /api/health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultHealthTimeout)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339)
	checks := append([]HealthCheck{{Name: "store", Check: s.payments.Ping}}, s.checks...)
	for _, check := range checks {
		if err := check.Check(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "degraded",
				"timestamp": now,
				"error":     check.Name + "_unreachable",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": now})
}

// issuesFor turns a decoding or validation error into response issues
func issuesFor(err error) []Issue {
	var verr *zpay.ValidationError
	if errors.As(err, &verr) {
		return []Issue{{Path: verr.Field, Message: verr.Message}}
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return []Issue{{Path: typeErr.Field, Message: "expected " + typeErr.Type.String()}}
	}
	return []Issue{{Path: "(root)", Message: err.Error()}}
}
