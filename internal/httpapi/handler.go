// Package httpapi exposes the attendance engine over REST and websockets.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/events"
	"attendguard/internal/geofence"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// Handler serves the /v1 routes.
type Handler struct {
	svc *attendance.Service
	hub *events.Hub
	log *zap.Logger
}

// New builds a handler. hub may be nil, in which case the live route is not
// registered.
func New(svc *attendance.Service, hub *events.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, hub: hub, log: log.With(zap.String("component", "http"))}
}

// Register mounts the routes on r. authn must populate auth claims; extra
// middleware (rate limiting) runs after it.
func (h *Handler) Register(r gin.IRouter, authn gin.HandlerFunc, extra ...gin.HandlerFunc) {
	v1 := r.Group("/v1", append([]gin.HandlerFunc{authn}, extra...)...)

	prof := auth.RequireRole(auth.RoleProfessor)
	student := auth.RequireRole(auth.RoleStudent)

	v1.POST("/sessions", prof, h.createSession)
	v1.GET("/sessions/:id", prof, h.getSession)
	v1.POST("/sessions/:id/start", prof, h.transition(h.svc.Start))
	v1.POST("/sessions/:id/pause", prof, h.transition(h.svc.Pause))
	v1.POST("/sessions/:id/resume", prof, h.transition(h.svc.Resume))
	v1.POST("/sessions/:id/stop", prof, h.transition(h.svc.Stop))
	v1.POST("/sessions/:id/rotate-qr", prof, h.transition(h.svc.RotateQR))
	v1.POST("/sessions/:id/emergency-stop", prof, h.emergencyStop)
	v1.GET("/sessions/:id/qr.png", prof, h.qrCode)
	v1.GET("/sessions/:id/attempts", prof, h.listAttempts)
	v1.GET("/sessions/:id/alerts", prof, h.listAlerts)
	v1.GET("/sessions/:id/stats", prof, h.stats)
	if h.hub != nil {
		v1.GET("/sessions/:id/live", prof, h.live)
	}

	v1.POST("/sessions/:id/attempts", student, h.submitAttempt)
}

type createSessionRequest struct {
	CourseID  string                     `json:"courseId" binding:"required"`
	StartTime time.Time                  `json:"startTime" binding:"required"`
	EndTime   time.Time                  `json:"endTime" binding:"required"`
	Timezone  string                     `json:"timezone"`
	Geofence  geofence.Fence             `json:"geofence"`
	Policy    *attendance.SecurityPolicy `json:"securityPolicy"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	policy := attendance.DefaultPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}

	sess, err := h.svc.CreateSession(c.Request.Context(), attendance.NewSession{
		CourseID:    req.CourseID,
		ProfessorID: claims.Subject,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Timezone:    req.Timezone,
		Geofence:    req.Geofence,
		Policy:      policy,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// owned loads the path session and checks the caller runs it.
func (h *Handler) owned(c *gin.Context) (attendance.Session, bool) {
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return attendance.Session{}, false
	}
	claims, _ := auth.ClaimsFrom(c)
	if sess.ProfessorID != claims.Subject {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "session belongs to another professor", "code": "FORBIDDEN"})
		return attendance.Session{}, false
	}
	return sess, true
}

func (h *Handler) getSession(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) transition(op func(ctx context.Context, id string) (attendance.Session, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := h.owned(c)
		if !ok {
			return
		}
		out, err := op(c.Request.Context(), sess.ID)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (h *Handler) emergencyStop(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	out, err := h.svc.EmergencyStop(c.Request.Context(), sess.ID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) qrCode(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	size := defaultQRSize
	if v := c.Query("size"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < minQRSize || parsed > maxQRSize {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "size must be between 64 and 1024", "code": attendance.ErrValidationFailed.Code})
			return
		}
		size = parsed
	}
	png, err := h.svc.QRCodePNG(c.Request.Context(), sess.ID, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) listAttempts(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	attempts, err := h.svc.ListAttempts(c.Request.Context(), sess.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if attempts == nil {
		attempts = []attendance.Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (h *Handler) listAlerts(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	alerts, err := h.svc.ListAlerts(c.Request.Context(), sess.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if alerts == nil {
		alerts = []attendance.FraudAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *Handler) stats(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	st, err := h.svc.GetLiveStats(c.Request.Context(), sess.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) live(c *gin.Context) {
	sess, ok := h.owned(c)
	if !ok {
		return
	}
	h.hub.Serve(c.Writer, c.Request, sess.ID)
}

// submitAttempt records an attempt for the bearer. A rejected QR token still
// stores the attempt, so its receipt is returned with the error.
func (h *Handler) submitAttempt(c *gin.Context) {
	var sub attendance.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		h.badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	a, err := h.svc.SubmitAttempt(c.Request.Context(), c.Param("id"), claims.Subject, sub)
	if err != nil {
		if a.ID == "" {
			h.fail(c, err)
			return
		}
		c.JSON(statusOf(err), gin.H{
			"error":   err.Error(),
			"code":    attendance.CodeOf(err),
			"receipt": attendance.ReceiptFor(a),
		})
		return
	}
	c.JSON(http.StatusCreated, attendance.ReceiptFor(a))
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": strings.TrimSpace(err.Error()), "code": attendance.ErrValidationFailed.Code})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "code": "INTERNAL"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": attendance.CodeOf(err)})
}

// statusOf maps engine errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, attendance.ErrDuplicateTerminalAttempt):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, attendance.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrSessionNotAcceptingAttempts):
		return http.StatusLocked
	case errors.Is(err, attendance.ErrMaxAttemptsExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, attendance.ErrQRTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, attendance.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrNotEnrolled):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
