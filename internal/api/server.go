// Package api exposes the dispatcher over HTTP: JSON endpoints for the
// session lifecycle, read-only views of professionals and rules, and an SSE
// stream of session events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dreambigrsa/liveassist/internal/config"
	"github.com/dreambigrsa/liveassist/internal/dispatch"
	"github.com/dreambigrsa/liveassist/internal/events"
	"github.com/dreambigrsa/liveassist/internal/lifecycle"
	"github.com/dreambigrsa/liveassist/internal/logger"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Sessions is the part of the dispatcher the API drives.
type Sessions interface {
	RequestHelp(ctx context.Context, in dispatch.HelpRequestInput) (string, error)
	ProfessionalRespond(ctx context.Context, sessionID, candidateID string, accept bool) error
	CancelSession(ctx context.Context, sessionID, requestedBy string) error
	EndSession(ctx context.Context, sessionID, endedBy, reason string) error
	ConfirmEscalation(ctx context.Context, sessionID, requesterID string, confirm bool) error
	GetSession(ctx context.Context, sessionID string) (*lifecycle.Session, error)
}

// Opts holds the collaborators and settings of the API server.
type Opts struct {
	DB       *gorm.DB
	Sessions Sessions
	Hub      *events.Hub
	Logger   *logger.Logger
	Config   config.APIConfig

	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: sessions are required")
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, &handlers{
		db:        opts.DB,
		sessions:  opts.Sessions,
		hub:       opts.Hub,
		log:       opts.Logger,
		limiter:   newRequesterLimiter(opts.Config.RequestsPerMinute, opts.Config.Burst),
		heartbeat: opts.Heartbeat,
	})
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	port := opts.Config.Port
	if port <= 0 {
		port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Logger != nil {
		opts.Logger.Info("api listening", "addr", srv.Addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// requestLogger logs one line per request at debug level, warn for 5xx.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		kv := []any{"method", c.Request.Method, "path", c.FullPath(), "status", status, "took", time.Since(start)}
		if status >= http.StatusInternalServerError {
			log.Warn("request failed", kv...)
			return
		}
		log.Debug("request", kv...)
	}
}
