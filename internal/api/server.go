// internal/api/server.go
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veridocs/btcpay/internal/db"
	"github.com/veridocs/btcpay/internal/jobs"
	"github.com/veridocs/btcpay/internal/logging"
	"github.com/veridocs/btcpay/internal/payments"
	"github.com/veridocs/btcpay/internal/pool"
	"go.uber.org/zap"
)

// AddressPool is what the HTTP layer needs from the address pool.
type AddressPool interface {
	GenerateBatch(ctx context.Context, count int) (*pool.BatchResult, error)
	CountAvailable(ctx context.Context) (int64, error)
}

// Verifier drives per-order payment verification. Escrow transitions go
// through bulk operations, not direct endpoints.
type Verifier interface {
	Verify(ctx context.Context, orderID int64) (*payments.VerificationResult, error)
	CheckPending(ctx context.Context) (*payments.CheckPendingResult, error)
}

// BulkRunner executes admin batch operations.
type BulkRunner interface {
	Run(ctx context.Context, actorRole, opType string, orderIDs []int64, metadata map[string]string) (*db.BulkOperation, error)
}

// JobRunner executes scheduled maintenance jobs on demand.
type JobRunner interface {
	RunDue(ctx context.Context, name string) ([]jobs.Result, error)
}

type Server struct {
	engine      *gin.Engine
	server      *http.Server
	pool        AddressPool
	verifier    Verifier
	bulk        BulkRunner
	jobs        JobRunner
	adminAPIKey string
}

func NewServer(addressPool AddressPool, verifier Verifier, bulk BulkRunner, jobRunner JobRunner, adminAPIKey string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:      engine,
		pool:        addressPool,
		verifier:    verifier,
		bulk:        bulk,
		jobs:        jobRunner,
		adminAPIKey: adminAPIKey,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.POST("/addresses/generate", s.handleGenerateAddresses)
		api.GET("/addresses/available", s.handleAvailableAddresses)
		api.POST("/orders/:id/verify", s.handleVerifyOrder)
		api.POST("/payments/check-pending", s.handleCheckPending)
		api.POST("/bulk-operations", s.requireAdmin(), s.handleBulkOperation)
		api.POST("/jobs/run", s.requireAdmin(), s.handleRunJobs)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logging.Info("HTTP server listening", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
