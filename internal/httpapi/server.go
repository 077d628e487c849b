// Package httpapi exposes the external trigger surface. A platform cron (or
// anything that can issue an HTTP request) calls /cron/rebuild once a day and
// /cron/tick once a minute; both are guarded by a shared secret and reply
// with a JSON summary of the work done.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"namozbot/internal/dispatch"
	"namozbot/internal/schedule"
	logx "namozbot/pkg/logx"
)

// Rebuilder runs a full-population schedule rebuild.
type Rebuilder interface {
	RebuildAll(ctx context.Context) (schedule.Summary, error)
}

// Ticker runs one dispatcher poll cycle.
type Ticker interface {
	RunCycle(ctx context.Context) (dispatch.CycleSummary, error)
}

type Config struct {
	Addr   string // default "127.0.0.1:8090"
	Secret string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
	return c
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	e   *echo.Echo
	log logx.Logger

	rebuild Rebuilder
	tick    Ticker

	running bool
}

func New(cfg Config, rebuild Rebuilder, tick Ticker, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "httpapi")),
		rebuild: rebuild,
		tick:    tick,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", s.handleHealth)

	cron := e.Group("/cron", s.requireSecret)
	cron.GET("/rebuild", s.handleRebuild)
	cron.POST("/rebuild", s.handleRebuild)
	cron.GET("/tick", s.handleTick)
	cron.POST("/tick", s.handleTick)

	s.e = e
	return s
}

// Handler exposes the routed handler; used by tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start begins serving in the background. It returns once the listener is
// being set up; bind failures surface through the error log.
func (s *Server) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	addr := s.cfg.Addr
	s.mu.Unlock()

	go func() {
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("trigger surface listening", logx.String("addr", addr))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.e.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.Err(err))
	}
}

// requireSecret accepts the shared secret via ?key= or the X-Cron-Key header.
func (s *Server) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.QueryParam("key")
		if key == "" {
			key = c.Request().Header.Get("X-Cron-Key")
		}
		if s.cfg.Secret == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleRebuild reports 200 with per-subscriber failure counts inside the
// summary; only a store-level failure that stopped the rebuild itself is a 500.
func (s *Server) handleRebuild(c echo.Context) error {
	sum, err := s.rebuild.RebuildAll(c.Request().Context())
	if err != nil {
		s.log.Error("rebuild trigger failed", logx.Err(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	s.log.Info("rebuild triggered",
		logx.Int("subscribers", sum.Subscribers),
		logx.Int("built", sum.Built),
		logx.Int("failed", sum.Failed))
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleTick(c echo.Context) error {
	sum, err := s.tick.RunCycle(c.Request().Context())
	if err != nil {
		s.log.Error("tick trigger failed", logx.Err(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sum)
}
