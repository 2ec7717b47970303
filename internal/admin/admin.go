// Package admin serves the operator endpoints: metrics, per-sink delivery
// state and resuming halted sinks.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/delivery"
	"cdc-fanout/internal/metrics"
)

var ErrUnknownSink = errors.New("unknown sink")

// SinkControl is the view of the pipeline the admin endpoints need.
type SinkControl interface {
	SinkStats() []delivery.Stats
	// Resume restarts a halted sink and reports whether it was halted.
	Resume(sink string) (bool, error)
}

// Register wires up the admin routes on the provided Echo instance.
func Register(e *echo.Echo, control SinkControl, logger *log.Logger) {
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/healthz", healthz())
	e.GET("/sinks", getSinks(control))
	e.POST("/sinks/:sink/resume", postResume(control, logger))
}

type Server struct {
	echo   *echo.Echo
	addr   string
	logger *log.Logger
}

func NewServer(cfg config.AdminConfig, control SinkControl, logger *log.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	Register(e, control, logger)
	return &Server{echo: e, addr: cfg.Addr, logger: logger}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Admin endpoint listening on %s", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type sinksResponse struct {
	Sinks []delivery.Stats `json:"sinks"`
}

func getSinks(control SinkControl) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, sinksResponse{Sinks: control.SinkStats()})
	}
}

type resumeResponse struct {
	Sink    string `json:"sink"`
	Resumed bool   `json:"resumed"`
}

func postResume(control SinkControl, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("sink")
		resumed, err := control.Resume(name)
		if errors.Is(err, ErrUnknownSink) {
			return c.String(http.StatusNotFound, err.Error())
		}
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if resumed {
			logger.Infof("Sink %s resumed by operator", name)
		}
		return c.JSON(http.StatusOK, resumeResponse{Sink: name, Resumed: resumed})
	}
}
