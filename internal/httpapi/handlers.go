package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"call-tracker/internal/audit"
	"call-tracker/internal/auth"
	"call-tracker/internal/calls"
	"call-tracker/internal/rbac"
	"call-tracker/internal/reconcile"
	"call-tracker/internal/reporting"
	"call-tracker/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Calls      *calls.Service
	Reporting  *reporting.Service
	Reconciler *reconcile.Reconciler
	Audit      *audit.Service

	// Ping checks backing stores for /healthz. Optional.
	Ping func(ctx context.Context) error

	// ExposeErrorDetails adds internal error text to 500 bodies. Never in production.
	ExposeErrorDetails bool
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			logger.FromGin(c).Error("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Events ---

// Events ingests a call_started or call_ended webhook.
func (h Handlers) Events(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var ev calls.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	log := logger.FromGin(c)
	log.Debug("event received", "call_id", ev.CallID, "type", ev.Type)

	res, err := h.Calls.Ingest(c.Request.Context(), ev)
	if err != nil {
		writeIngestError(c, err)
		return
	}

	switch res.Type {
	case calls.EventCallStarted:
		c.JSON(http.StatusCreated, gin.H{"message": "Call started event logged"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Call ended event logged", "duration": res.Duration})
	}
}

// writeIngestError maps ingestion errors to status codes. Conflict bodies carry
// a code so clients can branch, e.g. regenerate an id on DUPLICATE_CALL_ID.
func writeIngestError(c *gin.Context, err error) {
	var exceeded *calls.DurationExceededError
	switch {
	case errors.As(err, &exceeded):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Invalid call duration. Calls cannot exceed 1 hour.",
			"duration": exceeded.Formatted(),
		})
	case errors.Is(err, calls.ErrPhoneNumberTooLong):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Phone number is too long. Maximum length is 15 characters.",
			"details": "This follows the E.164 international phone number format standard.",
		})
	case errors.Is(err, calls.ErrInvalidPhoneNumber):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid phone number format. Numbers should only contain digits and optionally start with +",
		})
	case errors.Is(err, calls.ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
	case errors.Is(err, calls.ErrInvalidTimestamp):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
	case errors.Is(err, calls.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid call duration. End time cannot be before start time."})
	case errors.Is(err, calls.ErrInvalidEventType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid type provided"})
	case errors.Is(err, calls.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
	case errors.Is(err, calls.ErrDuplicateCallID):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "A call with this ID already exists.",
			"details": "Please generate a new UUID and try again.",
			"code":    "DUPLICATE_CALL_ID",
		})
	case errors.Is(err, calls.ErrAlreadyEnded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Call has already ended",
			"details": "Cannot end a call that has already been marked as ended.",
			"code":    "CALL_ALREADY_ENDED",
		})
	case errors.Is(err, calls.ErrUpdateConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Call is no longer open",
			"details": "Another update closed this call first.",
			"code":    "UPDATE_CONFLICT",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// --- Metrics ---

func (h Handlers) Metrics(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	snap, err := h.Reporting.ComputeMetrics(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("metrics unavailable", "err", err)
		body := gin.H{"error": "Failed to fetch metrics"}
		if h.ExposeErrorDetails {
			body["details"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// --- Reconciliation ---

// Cron runs one stale-call sweep. It is meant for an external scheduler.
func (h Handlers) Cron(c *gin.Context) {
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciler not configured"})
		return
	}
	log := logger.FromGin(c)
	log.Info("cron sweep started")
	n := h.Reconciler.Sweep(c.Request.Context())
	log.Info("cron sweep completed", "updated_calls", n)
	if err := h.Audit.LogSweepTriggered(c.Request.Context(), c.ClientIP(), n); err != nil {
		log.Warn("audit append failed", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updatedCalls": n})
}

func (h Handlers) Monitor(c *gin.Context) {
	if h.Reconciler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reconciler not configured"})
		return
	}
	n, err := h.Reconciler.Monitor(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("monitor query failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failedCalls": n})
}

// --- Auth ---

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueToken issues a dashboard JWT pair. Callers are trusted holders of the
// API key; there is no credential check beyond that.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	if !rbac.Known(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	if err := h.Audit.LogTokenIssued(c.Request.Context(), c.ClientIP(), req.UserID, req.Role); err != nil {
		logger.FromGin(c).Warn("audit append failed", "err", err)
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

// NewCallID hands out a fresh id for a client about to send call_started.
func (h Handlers) NewCallID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"call_id": uuid.NewString()})
}
