// Package api serves the sparse linear operator over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/inference"
	"github.com/samcharles93/sparselt/internal/sparselinear"
	"github.com/samcharles93/sparselt/internal/version"
)

// maxBodyBytes bounds a request body. Matrices travel as JSON numbers so a
// few million elements is already a large request.
const maxBodyBytes = 64 << 20

// Server exposes an inference.Engine over HTTP.
type Server struct {
	engine *inference.Engine
	clock  func() time.Time
}

// NewServer serves runs from engine.
func NewServer(engine *inference.Engine) *Server {
	return &Server{
		engine: engine,
		clock:  time.Now,
	}
}

// Register mounts the /v1 routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/linear", s.handleLinear)
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/version", s.handleVersion)
}

func (s *Server) handleLinear(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine not configured", "", "")
	}
	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxBodyBytes)
	wire, err := decodeLinearRequest(body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	req, err := wire.toInference()
	if err != nil {
		return writeInvalidRequest(c, err)
	}

	res, err := s.engine.Run(c.Request().Context(), req)
	if err != nil {
		return writeRunError(c, err)
	}

	return c.JSON(http.StatusOK, LinearResponse{
		ID:         "lin_" + res.ID,
		Object:     "linear.result",
		Created:    s.clock().Unix(),
		Device:     res.Device.Index,
		Capability: res.Device.Capability.String(),
		DType:      res.DType.String(),
		DurationMS: float64(res.Stats.Duration.Microseconds()) / 1000,
		Plan: PlanInfo{
			M:             res.Plan.M,
			N:             res.Plan.N,
			K:             res.Plan.K,
			Batches:       res.Plan.Batches,
			Compute:       res.Plan.Compute.String(),
			Order:         res.Plan.Weight.Order.String(),
			OpWeight:      res.Plan.OpWeight.String(),
			OpActivation:  res.Plan.OpActivation.String(),
			AlgConfig:     res.Plan.Alg.ConfigID,
			WorkspaceSize: res.Plan.WorkspaceSize,
		},
		Output: fromTensor(res.Output),
	})
}

func (s *Server) handleDevices(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine not configured", "", "")
	}
	lib := s.engine.Library()
	devices, err := inference.Devices(lib)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	data := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		data = append(data, DeviceInfo{
			Index:       d.Index,
			Name:        d.Name,
			Capability:  d.Capability.String(),
			TotalMemory: d.TotalMemory,
			Supported:   d.Supported,
		})
	}
	return c.JSON(http.StatusOK, DeviceList{
		Object:  "list",
		Backend: lib.Name(),
		Data:    data,
	})
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}

// writeRunError maps operator failures onto HTTP statuses. Plan construction
// errors without a device status are descriptor or shape problems, so the
// caller's fault.
func writeRunError(c *echo.Context, err error) error {
	var (
		stage  *sparselinear.StageError
		status *device.StatusError
	)
	switch {
	case errors.Is(err, sparselinear.ErrUnsupportedDevice):
		return writeError(c, http.StatusUnprocessableEntity, "unsupported_device_error", err.Error(), "device", "")
	case errors.Is(err, sparselinear.ErrPlanConstruction) && !errors.As(err, &status):
		return writeBadRequest(c, err.Error())
	case errors.As(err, &stage):
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", stage.Stage)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "")
	default:
		return writeBadRequest(c, err.Error())
	}
}
