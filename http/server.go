// Package http serves the payment session API over gin
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
	"github.com/zpay-labs/zpay/notify"
)

// PaymentService is the part of the engine the API calls
type PaymentService interface {
	Create(ctx context.Context, req zpay.CreateRequest) (*zpay.PaymentSession, error)
	List(ctx context.Context, cursor string, limit int) (*zpay.ListResult, error)
	Refresh(ctx context.Context, id string) (*zpay.PaymentSession, error)
	Sweep(ctx context.Context) (*zpay.SweepReport, error)
	Ping(ctx context.Context) error
}

var _ PaymentService = (*zpay.Engine)(nil)

// HealthCheck is an extra dependency probed by /api/health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

const (
	DefaultHealthTimeout = 3 * time.Second
	DefaultSweepTimeout  = 2 * time.Minute
)

// Server routes API requests to a PaymentService
type Server struct {
	payments     PaymentService
	feed         notify.Source
	checks       []HealthCheck
	metrics      http.Handler
	mcp          http.Handler
	sweepTimeout time.Duration
	log          *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithEventFeed enables GET /api/payments/events
func WithEventFeed(feed notify.Source) Option {
	return func(s *Server) {
		s.feed = feed
	}
}

// WithHealthCheck adds a dependency to the health endpoint
func WithHealthCheck(name string, check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.checks = append(s.checks, HealthCheck{Name: name, Check: check})
	}
}

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMCPHandler mounts h at /mcp
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

// WithSweepTimeout bounds a cron-triggered sweep
func WithSweepTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// NewServer creates the API server
func NewServer(payments PaymentService, opts ...Option) *Server {
	s := &Server{
		payments:     payments,
		sweepTimeout: DefaultSweepTimeout,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("http")
	return s
}

// Handler builds the gin router
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		payments := api.Group("/payments")
		payments.POST("/create", s.handleCreate)
		payments.GET("/list", s.handleList)
		payments.GET("/status/:id", s.handleStatus)
		payments.POST("/cron", s.handleCron)
		payments.GET("/events", s.handleEvents)
	}

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.mcp != nil {
		r.Any("/mcp", gin.WrapH(s.mcp))
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}
