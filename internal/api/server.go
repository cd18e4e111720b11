// Package api serves a running scheduler over HTTP with OpenAI-style
// completion endpoints and the props/slots introspection reports.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/inference"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/scheduler"
	"github.com/samcharles93/lmhost/internal/stream"
	"github.com/samcharles93/lmhost/internal/version"
	"github.com/samcharles93/lmhost/internal/webui"
)

// Dispatcher is the part of the scheduler the HTTP layer drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req scheduler.Request, sink stream.Sink) error
	Info() (inference.Info, error)
	CommonParams() (config.Endpoints, error)
	Props() ([]byte, error)
	Slots() ([]byte, error)
}

var _ Dispatcher = (*scheduler.Scheduler)(nil)

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithResponseStore sets the store backing /v1/responses.
func WithResponseStore(st *ResponseStore) Option {
	return func(s *Server) { s.store = st }
}

// WithClock overrides the time source used for the created fields.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.clock = now }
}

type Server struct {
	d      Dispatcher
	log    logger.Logger
	clock  func() time.Time
	ui     http.Handler
	store  *ResponseStore
	nextID atomic.Int64
}

func NewServer(d Dispatcher, opts ...Option) *Server {
	s := &Server{
		d:     d,
		log:   logger.Default(),
		clock: time.Now,
		ui:    webui.Handler("/ui"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewResponseStore(DefaultStoreLimit)
	}
	s.log = s.log.With("component", "api")
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/", s.handleRoot)
	e.HEAD("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/ui", s.handleUI)
	e.GET("/ui/*", s.handleUI)
	e.GET("/api/version", s.handleVersion)
	e.HEAD("/api/version", s.handleVersion)

	e.GET("/props", s.handleProps)
	e.GET("/slots", s.handleSlots)

	e.POST("/v1/completions", s.handleCompletions)
	s.RegisterChatCompletions(e)
	s.RegisterResponses(e)
}

// dispatch encodes the payload as a scheduler request and runs it. With a
// nil sink the streamed text is collected and returned.
func (s *Server) dispatch(ctx context.Context, id int, kind scheduler.Kind, payload any, sink stream.Sink) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %v payload: %w", kind, err)
	}
	req := scheduler.Request{ID: id, Payload: b, Kind: kind}
	if sink != nil {
		return "", s.d.Dispatch(ctx, req, sink)
	}
	col := stream.NewCollector()
	if err := s.d.Dispatch(ctx, req, col); err != nil {
		return "", err
	}
	return strings.Join(col.Chunks(), ""), nil
}

// requestID hands out the ids requests are queued under.
func (s *Server) requestID() int {
	return int(s.nextID.Add(1))
}

func (s *Server) handleRoot(c *echo.Context) error {
	return c.String(http.StatusOK, "lmhost is running")
}

func (s *Server) handleUI(c *echo.Context) error {
	s.ui.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleHealth(c *echo.Context) error {
	if _, err := s.d.Info(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "no model loaded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}

func (s *Server) handleProps(c *echo.Context) error {
	return s.introspect(c, func(e config.Endpoints) bool { return e.Props }, "props", s.d.Props)
}

func (s *Server) handleSlots(c *echo.Context) error {
	return s.introspect(c, func(e config.Endpoints) bool { return e.Slots }, "slots", s.d.Slots)
}

// introspect serves a report when the running session enables it.
func (s *Server) introspect(c *echo.Context, enabled func(config.Endpoints) bool, name string, report func() ([]byte, error)) error {
	eps, err := s.d.CommonParams()
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	if !enabled(eps) {
		return writeNotFound(c, "the "+name+" endpoint is disabled; start the model with --"+name)
	}
	b, err := report()
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, b)
}

// modelID names the loaded model the way /v1/models lists it.
func modelID(info inference.Info) string {
	if info.ModelPath == "" {
		return info.Description
	}
	return filepath.Base(info.ModelPath)
}

func (s *Server) writeDispatchError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrNotRunning), errors.Is(err, stream.ErrStopped):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "model_not_loaded")
	case errors.Is(err, scheduler.ErrInvalidPayload), errors.Is(err, inference.ErrEmptyInput):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, scheduler.ErrRateLimited):
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error(), "", "rate_limited")
	case errors.Is(err, inference.ErrEmptyResult):
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "empty_result")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusRequestTimeout, "server_error", err.Error(), "", "cancelled")
	default:
		s.log.Error("request failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}
