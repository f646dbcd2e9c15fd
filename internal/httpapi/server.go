package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"breaker/server/internal/core"
	"breaker/server/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	channels *core.Channels
}

// New constructs an Echo app with websocket + REST routes.
func New(channels *core.Channels, wsHandler *ws.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, channels: channels}
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	wsHandler.Register(s.echo)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Channels: len(s.channels.Counts()),
	})
}

type stateResponse struct {
	Channels map[string]int `json:"channels"`
}

func (s *Server) handleState(c echo.Context) error {
	counts := s.channels.Counts()
	if counts == nil {
		counts = map[string]int{}
	}
	return c.JSON(http.StatusOK, stateResponse{Channels: counts})
}
