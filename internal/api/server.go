// Package api serves device statistics over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/device"
)

// Source is the device state the server reports on.
type Source interface {
	ID() string
	Config() device.Config
	PoolStats() device.PoolStats
	Launched() int64
	Err() error
}

type runtimeSource struct {
	rt *device.Runtime
}

// RuntimeSource adapts a runtime to Source.
func RuntimeSource(rt *device.Runtime) Source {
	return runtimeSource{rt: rt}
}

func (s runtimeSource) ID() string                  { return s.rt.ID().String() }
func (s runtimeSource) Config() device.Config       { return s.rt.Config() }
func (s runtimeSource) PoolStats() device.PoolStats { return s.rt.Pool().Stats() }
func (s runtimeSource) Launched() int64             { return s.rt.Stream().Launched() }
func (s runtimeSource) Err() error                  { return s.rt.Stream().Err() }

type Server struct {
	source  Source
	steps   *StepStore
	clock   func() time.Time
	started time.Time
}

func NewServer(source Source, steps *StepStore) *Server {
	if steps == nil {
		steps = NewStepStore(0)
	}
	return &Server{
		source:  source,
		steps:   steps,
		clock:   time.Now,
		started: time.Now(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/pool", s.handlePool)
	e.GET("/v1/session", s.handleSession)
	e.GET("/v1/steps", s.handleSteps)
	e.GET("/v1/steps/:step", s.handleStep)
}

func (s *Server) handleHealth(c *echo.Context) error {
	resp := HealthResponse{Status: "ok", Session: s.source.ID()}
	if err := s.source.Err(); err != nil {
		resp.Status, resp.Error = "failed", err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePool(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.source.PoolStats())
}

func (s *Server) handleSession(c *echo.Context) error {
	return c.JSON(http.StatusOK, SessionResponse{
		Session:  s.source.ID(),
		Config:   s.source.Config(),
		Launches: s.source.Launched(),
		Uptime:   s.clock().Sub(s.started).Round(time.Second).String(),
		Started:  s.started,
	})
}

func (s *Server) handleSteps(c *echo.Context) error {
	limit, err := intParam(c.QueryParam("limit"), "limit")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	data, total := s.steps.Recent(limit)
	return c.JSON(http.StatusOK, StepsResponse{Object: "list", Data: data, Total: total})
}

func (s *Server) handleStep(c *echo.Context) error {
	step, err := intParam(c.Param("step"), "step")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	r, ok := s.steps.Get(step)
	if !ok {
		return writeNotFound(c, "step not found")
	}
	return c.JSON(http.StatusOK, r)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, newInvalidRequest(name + " must be a non-negative integer")
	}
	return v, nil
}
