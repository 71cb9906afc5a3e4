package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"github.com/m-mizutani/ytchat/pkg/usecase/lifecycle"
	"github.com/m-mizutani/ytchat/pkg/usecase/qa"
	"github.com/m-mizutani/ytchat/pkg/utils/logging"
)

// Service is the session lifecycle the HTTP API exposes
type Service interface {
	ProcessVideo(ctx context.Context, videoURL, apiKey string) (model.SessionID, error)
	Chat(ctx context.Context, id model.SessionID, question, apiKey string) (*qa.Answer, error)
	ClearSession(ctx context.Context, id model.SessionID) (bool, error)
	History(ctx context.Context, id model.SessionID) ([]model.Turn, error)
	Health(ctx context.Context) model.Health
}

// DefaultAllowOrigins are the origins of the local web frontend
var DefaultAllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

type Server struct {
	echo         *echo.Echo
	svc          Service
	metrics      *metrics
	allowOrigins []string
	showSources  bool
}

type Option func(*Server)

// WithAllowOrigins sets the origins allowed by CORS
func WithAllowOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowOrigins = origins
	}
}

// WithSources adds the retrieved chunks to chat responses
func WithSources(enabled bool) Option {
	return func(s *Server) {
		s.showSources = enabled
	}
}

func New(svc Service, opts ...Option) *Server {
	s := &Server{
		echo:         echo.New(),
		svc:          svc,
		allowOrigins: DefaultAllowOrigins,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(svc)

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, rid string) {
			req := c.Request()
			logger := logging.From(req.Context()).With("request_id", rid)
			c.SetRequest(req.WithContext(logging.With(req.Context(), logger)))
		},
	}))
	e.Use(s.observe)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     s.allowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, headerAPIKey},
		AllowCredentials: true,
	}))

	e.POST("/process_video", s.processVideo)
	e.POST("/chat", s.chat)
	e.POST("/clear_session", s.clearSession)
	e.GET("/health", s.health)
	e.GET("/sessions/:session_id/history", s.history)
	e.GET("/metrics", echo.WrapHandler(s.metrics.handler()))

	return s
}

// ServeHTTP makes Server usable with httptest and any http.Server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logging.From(ctx).Info("server started", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil {
			return goerr.Wrap(err, "server failed", goerr.V("addr", addr))
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down server")
	}
	logging.From(ctx).Info("server stopped")
	return nil
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// handleError renders every failure as {"detail": ...} with the status of its kind
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		code   int
		detail string
		kind   lifecycle.Kind
	)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		detail = fmt.Sprint(he.Message)
		kind = lifecycle.KindValidation
		if code >= http.StatusInternalServerError {
			kind = lifecycle.KindInternal
		}
	} else {
		f := lifecycle.Classify(err)
		code, detail, kind = f.Status, f.Message, f.Kind
	}
	s.metrics.failures.WithLabelValues(string(kind)).Inc()

	logger := logging.From(c.Request().Context())
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "status", code, "kind", kind, "error", err)
	} else {
		logger.Info("request rejected", "status", code, "kind", kind, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorResponse{Detail: detail})
}

// observe renders handler errors, then records the final status in the access log and
// request metrics
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		elapsed := time.Since(start)

		req := c.Request()
		status := c.Response().Status
		s.metrics.observe(c.Path(), req.Method, status, elapsed)

		logging.From(req.Context()).Debug("access",
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"latency", elapsed,
			"remote", c.RealIP(),
		)
		return nil
	}
}
