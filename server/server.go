package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cabbageSI/logger"
	"cabbageSI/metrics"
	"cabbageSI/region"
	"cabbageSI/txn"
)

const (
	RequestIDHeader     = "X-Request-ID"
	DefaultRetryTimeout = 2 * time.Second
)

type Options struct {
	Addr string
	// RetryTimeout bounds the backoff on an unavailable oracle or record store.
	RetryTimeout time.Duration
}

// Server exposes the transaction engine of one region over HTTP.
type Server struct {
	app     *fiber.App
	region  *region.Region
	txns    *txn.Store
	metrics *metrics.Metrics
	addr    string
	retry   time.Duration
}

func NewServer(r *region.Region, m *metrics.Metrics, opts Options) *Server {
	retry := opts.RetryTimeout
	if retry <= 0 {
		retry = DefaultRetryTimeout
	}
	s := &Server{
		region:  r,
		txns:    r.Txns(),
		metrics: m,
		addr:    opts.Addr,
		retry:   retry,
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(s.observe)
	s.setupRoutes()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Serve listens until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.addr) }()
	logger.Infow("server: listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown http server")
		}
		return nil
	}
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}
	s.app.Get("/status", s.handleStatus)
	s.app.Post("/compact", s.handleCompact)

	t := s.app.Group("/txn")
	t.Post("/", s.handleBegin)
	t.Get("/:id", s.handleGet)
	t.Post("/:id/commit", s.handleCommit)
	t.Post("/:id/rollback", s.handleRollback)
	t.Post("/:id/rollback-only", s.handleRollbackOnly)
	t.Post("/:id/keepalive", s.handleKeepAlive)
	t.Post("/:id/elevate", s.handleElevate)
	t.Post("/:id/write", s.handleWrite)
	t.Get("/:id/scan", s.handleScan)
	t.Get("/:id/row/:key", s.handleRow)
}

// observe tags every request with an id and records its outcome.
func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	id := c.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(RequestIDHeader, id)

	err := c.Next()
	if err != nil {
		if herr := s.handleError(c, err); herr != nil {
			return herr
		}
	}
	code := c.Response().StatusCode()
	s.metrics.RecordHTTPRequest(c.Route().Path, code, time.Since(start))
	logger.Debugw("server: request", "id", id, "method", c.Method(), "path", c.Path(), "status", code)
	return nil
}

// statusOf maps engine errors onto HTTP statuses.
func statusOf(err error) int {
	var ferr *fiber.Error
	switch {
	case errors.As(err, &ferr):
		return ferr.Code
	case errors.Is(err, txn.ErrWriteConflict):
		return http.StatusConflict
	case errors.Is(err, txn.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, txn.ErrIllegalTransition), errors.Is(err, txn.ErrReadOnly), errors.Is(err, region.ErrInvalidMutation):
		return http.StatusBadRequest
	case errors.Is(err, txn.ErrForeignNamespace):
		return http.StatusForbidden
	case errors.Is(err, txn.ErrTransactionTimeout):
		return http.StatusGone
	case errors.Is(err, region.ErrRowLocked):
		return http.StatusLocked
	case errors.Is(err, txn.ErrCoordinationUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		logger.Warnw("server: request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(errorView{
		Error:     err.Error(),
		Code:      codeOf(err),
		RequestID: c.GetRespHeader(RequestIDHeader),
	})
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, txn.ErrWriteConflict):
		return "WRITE_CONFLICT"
	case errors.Is(err, txn.ErrTransactionNotFound):
		return "TRANSACTION_NOT_FOUND"
	case errors.Is(err, txn.ErrIllegalTransition):
		return "ILLEGAL_TRANSITION"
	case errors.Is(err, txn.ErrTransactionTimeout):
		return "TRANSACTION_TIMEOUT"
	case errors.Is(err, txn.ErrCoordinationUnavailable):
		return "COORDINATION_UNAVAILABLE"
	case errors.Is(err, txn.ErrForeignNamespace):
		return "FOREIGN_NAMESPACE"
	case errors.Is(err, txn.ErrReadOnly):
		return "READ_ONLY"
	}
	return ""
}

// withRetry runs op again while the oracle or record store is unavailable. Only operations
// that are safe to repeat go through here.
func (s *Server) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = s.retry
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, txn.ErrCoordinationUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
