// Package server exposes the engine over HTTP for deployments that receive
// change events from a queue consumer or webhook rather than from Lambda.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/events"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// maxEventBytes bounds a single event body. CloudTrail records for large
// permission sets stay well under this.
const maxEventBytes = 1 << 20

const (
	shutdownTimeout = 30 * time.Second
	healthTimeout   = 3 * time.Second
)

// EventHandler runs one change event to completion.
type EventHandler interface {
	Handle(ctx context.Context, ev models.ChangeEvent) (models.InvocationResult, error)
}

// Server is the HTTP intake.
type Server struct {
	handler  EventHandler
	store    idempotency.Store
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *gin.Engine
}

// New builds the router. A nil gatherer serves the default registry.
func New(handler EventHandler, store idempotency.Store, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		handler:  handler,
		store:    store,
		gatherer: gatherer,
		logger:   logger,
		router:   gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	v1.POST("/events", s.handleEvent)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http intake listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http intake")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}

// handleEvent answers 200 for every completed invocation, including
// duplicates and partial failures. A fault answers 503 when redelivery may
// help and 422 when it will not, so a queue consumer knows whether to retry.
func (s *Server) handleEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBytes)
	body, err := c.GetRawData()
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ev, err := events.Parse(body)
	if err != nil {
		c.JSON(faults.KindOf(err).HTTPStatus(), gin.H{
			"error": gin.H{
				"code":    string(faults.CodeOf(err)),
				"kind":    string(faults.KindOf(err)),
				"message": err.Error(),
			},
		})
		return
	}

	res, err := s.handler.Handle(c.Request.Context(), ev)
	if err != nil {
		c.JSON(faults.KindOf(err).HTTPStatus(), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{"idempotency_store": "ok"}
	status := http.StatusOK
	if err := idempotency.Ping(ctx, s.store); err != nil {
		checks["idempotency_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "not_found"
		}
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
