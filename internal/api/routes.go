package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dreambigrsa/liveassist/internal/apperr"
	"github.com/dreambigrsa/liveassist/internal/dispatch"
	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/dreambigrsa/liveassist/internal/models"
	"github.com/dreambigrsa/liveassist/internal/validate"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const maxListLimit = 500

type handlers struct {
	db        *gorm.DB
	sessions  Sessions
	hub       *events.Hub
	log       *logger.Logger
	limiter   *requesterLimiter
	heartbeat time.Duration
	validate  *validate.Validator
}

type respondBody struct {
	CandidateID string `json:"candidate_id" validate:"required"`
	Accept      *bool  `json:"accept" validate:"required"`
}

type cancelBody struct {
	RequestedBy string `json:"requested_by" validate:"required"`
}

type endBody struct {
	EndedBy string `json:"ended_by" validate:"required"`
	Reason  string `json:"reason" validate:"max=64"`
}

type confirmBody struct {
	RequesterID string `json:"requester_id" validate:"required"`
	Confirm     *bool  `json:"confirm" validate:"required"`
}

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	h.validate = validate.New()

	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/stats", h.sessionStats)
	api.GET("/sessions/:id", h.getSession)
	api.POST("/sessions/:id/respond", h.respond)
	api.POST("/sessions/:id/cancel", h.cancel)
	api.POST("/sessions/:id/end", h.end)
	api.POST("/sessions/:id/confirm", h.confirm)
	api.GET("/professionals", h.listProfessionals)
	api.GET("/rules", h.listRules)
	api.GET("/events", h.streamEvents)
}

// writeError maps err to a status code and a JSON body. Domain errors carry
// their kind and requester-facing reason; anything else is a 500.
func (h *handlers) writeError(c *gin.Context, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		status := ae.HTTPStatus()
		if status >= http.StatusInternalServerError {
			h.log.Error("request error", "path", c.FullPath(), "error", err)
		}
		c.JSON(status, gin.H{"error": ae.Reason(), "kind": ae.Kind.String()})
		return
	}
	h.log.Error("request error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "kind": apperr.KindInternal.String()})
}

// bind decodes the JSON body into dst and validates it.
func (h *handlers) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.writeError(c, apperr.Wrap(apperr.KindValidation, "malformed request body", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(c, err)
		return false
	}
	return true
}

func (h *handlers) health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "event_subscribers": h.hub.Subscribers()})
}

func (h *handlers) createSession(c *gin.Context) {
	var in dispatch.HelpRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.writeError(c, apperr.Wrap(apperr.KindValidation, "malformed request body", err))
		return
	}
	if in.RequesterID != "" && !h.limiter.Allow(in.RequesterID) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many help requests, please wait", "kind": "RateLimited"})
		return
	}

	ctx := c.Request.Context()
	id, err := h.sessions.RequestHelp(ctx, in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	s, err := h.sessions.GetSession(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionRow(s))
}

func (h *handlers) getSession(c *gin.Context) {
	s, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionRow(s))
}

func (h *handlers) listSessions(c *gin.Context) {
	f := lifecycle.ListFilter{
		RequesterID: c.Query("requester"),
		CandidateID: c.Query("professional"),
		Limit:       100,
	}
	if state := c.Query("state"); state != "" {
		if _, err := models.ParseSessionState(state); err != nil {
			h.writeError(c, apperr.Validation("unknown state %q", state))
			return
		}
		f.State = state
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(c, apperr.Validation("limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	rows, err := ListSessions(c.Request.Context(), h.db, f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (h *handlers) sessionStats(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(c, apperr.Validation("since must be a positive duration such as 24h"))
			return
		}
		since = time.Now().Add(-d)
	}
	stats, err := SessionStats(c.Request.Context(), h.db, since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": stats})
}

func (h *handlers) respond(c *gin.Context) {
	var body respondBody
	if !h.bind(c, &body) {
		return
	}
	id := c.Param("id")
	if err := h.sessions.ProfessionalRespond(c.Request.Context(), id, body.CandidateID, *body.Accept); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeSession(c, id)
}

func (h *handlers) cancel(c *gin.Context) {
	var body cancelBody
	if !h.bind(c, &body) {
		return
	}
	id := c.Param("id")
	if err := h.sessions.CancelSession(c.Request.Context(), id, body.RequestedBy); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeSession(c, id)
}

func (h *handlers) end(c *gin.Context) {
	var body endBody
	if !h.bind(c, &body) {
		return
	}
	id := c.Param("id")
	if err := h.sessions.EndSession(c.Request.Context(), id, body.EndedBy, body.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeSession(c, id)
}

func (h *handlers) confirm(c *gin.Context) {
	var body confirmBody
	if !h.bind(c, &body) {
		return
	}
	id := c.Param("id")
	if err := h.sessions.ConfirmEscalation(c.Request.Context(), id, body.RequesterID, *body.Confirm); err != nil {
		h.writeError(c, err)
		return
	}
	h.writeSession(c, id)
}

// writeSession answers a successful signal with the session's new state.
func (h *handlers) writeSession(c *gin.Context, id string) {
	s, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionRow(s))
}

func (h *handlers) listProfessionals(c *gin.Context) {
	rows, err := ListProfessionals(c.Request.Context(), h.db, c.Query("role"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"professionals": rows})
}

func (h *handlers) listRules(c *gin.Context) {
	rows, err := ListRules(c.Request.Context(), h.db)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rows})
}
