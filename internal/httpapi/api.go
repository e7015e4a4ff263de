// Package httpapi is the operator surface: REST endpoints for health and
// server status, Prometheus metrics, and a websocket feed streaming status
// updates. It runs on its own TCP port and reads only the status snapshot
// the tick loop publishes, never live server state.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strafe/internal/server"
)

// statusPushInterval is how often /ws/status pushes a frame.
const statusPushInterval = time.Second

// Server serves the operator API for one GameServer.
type Server struct {
	game *server.GameServer
	echo *echo.Echo
}

// New constructs the API server and registers all routes.
func New(game *server.GameServer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{game: game, echo: e}
	e.GET("/health", s.handleHealth)
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/clients", s.handleClients)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ws/status", s.handleStatusFeed)
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			log.Printf("[api] shutdown: %v", err)
		}
	}()

	err := s.echo.Start(addr)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	st := s.game.StatusSnapshot()
	if st == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no status yet"})
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleClients(c echo.Context) error {
	st := s.game.StatusSnapshot()
	if st == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no status yet"})
	}
	return c.JSON(http.StatusOK, st.Clients)
}
