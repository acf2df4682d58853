// Package api exposes the local outbox over HTTP: the page posts curation edits here
// and reads back the sync status.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/austindbirch/curation_outbox/internal/curation"
	"github.com/austindbirch/curation_outbox/internal/delivery"
	"github.com/austindbirch/curation_outbox/internal/health"
	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/notify"
	"github.com/austindbirch/curation_outbox/internal/outbox"
	"github.com/austindbirch/curation_outbox/internal/tracing"
)

// Outbox is the part of the sync worker the API drives
type Outbox interface {
	Submit(ctx context.Context, e curation.Event) error
	SubmitNext(ctx context.Context, e curation.Event) (curation.Event, error)
	Status(ctx context.Context) (notify.Status, error)
	Pending(ctx context.Context, limit int) ([]curation.Event, error)
	ResetSession(ctx context.Context)
	Drain(ctx context.Context) delivery.Report
	Trigger()
}

type Server struct {
	outbox  Outbox
	store   health.Pinger
	stream  http.Handler // websocket status feed, optional
	origins []string
	logger  *logging.Logger
}

type Option func(*Server)

// WithStream mounts h at /v1/outbox/ws
func WithStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

// WithOrigins sets the browser origins allowed by CORS
func WithOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(ob Outbox, store health.Pinger, opts ...Option) *Server {
	s := &Server{
		outbox: ob,
		store:  store,
		logger: logging.New("curation-api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", gin.WrapH(health.HTTPHandler(s.store)))

	v1 := engine.Group("/v1")
	v1.POST("/curation/events", s.handleSubmit)
	v1.POST("/curation/session/reset", s.handleResetSession)
	v1.GET("/outbox/status", s.handleStatus)
	v1.GET("/outbox/events", s.handleList)
	v1.POST("/outbox/sync", s.handleSync)
	if s.stream != nil {
		v1.GET("/outbox/ws", gin.WrapH(s.stream))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	})
	return c.Handler(engine)
}

// requestLogger tags every request with an id and logs it once it completes
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header("X-Request-Id", rid)

		ctx, span := tracing.StartSpan(tracing.ExtractHTTP(c.Request.Context(), c.Request.Header), "api."+c.Request.Method)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		s.logger.WithContext(ctx).WithRequest(rid).WithFields(map[string]any{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Debug("request handled")
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	var e curation.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	var err error
	if e.CreatedAt == 0 {
		// the daemon stamps the key, keeping it unique and increasing
		e, err = s.outbox.SubmitNext(c.Request.Context(), e)
	} else {
		err = s.outbox.Submit(c.Request.Context(), e)
	}
	switch {
	case errors.Is(err, curation.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, outbox.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": "an event with this created_at is already pending"})
		return
	case err != nil:
		s.logger.WithContext(c.Request.Context()).WithEvent(e.CreatedAt).WithError(err).Error("enqueue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"created_at": e.CreatedAt, "kind": e.Kind})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.outbox.Status(c.Request.Context())
	if err != nil {
		s.logger.WithContext(c.Request.Context()).WithError(err).Error("read status failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read status failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleList(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	events, err := s.outbox.Pending(c.Request.Context(), limit)
	if err != nil {
		s.logger.WithContext(c.Request.Context()).WithError(err).Error("list outbox failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list outbox failed"})
		return
	}
	if events == nil {
		events = []curation.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleResetSession(c *gin.Context) {
	s.outbox.ResetSession(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// handleSync wakes the worker, or with ?wait=true drains in the request
func (s *Server) handleSync(c *gin.Context) {
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		c.JSON(http.StatusOK, s.outbox.Drain(c.Request.Context()))
		return
	}
	s.outbox.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}
