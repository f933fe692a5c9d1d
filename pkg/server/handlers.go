package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
)

const maxBodyBytes = 1 << 20

type createResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// createDeployment accepts a JSON parameter document and starts the create
// workflow (POST /api/deployments).
func (s *Server) createDeployment(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(data) > maxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	var file config.ParameterFile
	if err := config.DecodeParametersJSON(data, &file); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	id, err := s.cfg.Deployments.CreateDeployment(c.Request().Context(), file.Parameters())
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/deployments/"+id)
	return c.JSON(http.StatusAccepted, createResponse{ID: id, Status: "pending"})
}

// GET /api/deployments
func (s *Server) listDeployments(c echo.Context) error {
	views, err := s.cfg.Deployments.ListDeployments(c.Request().Context())
	if err != nil {
		return err
	}
	if views == nil {
		views = []engine.View{}
	}
	return c.JSON(http.StatusOK, views)
}

// GET /api/deployments/:id
func (s *Server) getDeployment(c echo.Context) error {
	v, err := s.cfg.Deployments.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// POST /api/deployments/:id/destroy
func (s *Server) destroyDeployment(c echo.Context) error {
	id := c.Param("id")
	if err := s.cfg.Deployments.DestroyDeployment(c.Request().Context(), id); err != nil {
		return err
	}
	return s.accepted(c, id)
}

// POST /api/deployments/:id/retry
func (s *Server) retryDeployment(c echo.Context) error {
	id := c.Param("id")
	if err := s.cfg.Deployments.Retry(c.Request().Context(), id); err != nil {
		return err
	}
	return s.accepted(c, id)
}

// POST /api/deployments/:id/cancel
func (s *Server) cancelDeployment(c echo.Context) error {
	id := c.Param("id")
	if err := s.cfg.Deployments.Cancel(id); err != nil {
		return err
	}
	return s.accepted(c, id)
}

func (s *Server) accepted(c echo.Context, id string) error {
	v, err := s.cfg.Deployments.GetStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, v)
}

// getOutputs returns the outputs with sensitive values masked. Unmasked
// values need ?reveal=true and a server started with reveal allowed.
func (s *Server) getOutputs(c echo.Context) error {
	reveal := false
	if q := c.QueryParam("reveal"); q != "" {
		b, err := strconv.ParseBool(q)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "reveal must be a boolean")
		}
		reveal = b
	}
	if reveal && !s.cfg.AllowReveal {
		return echo.NewHTTPError(http.StatusForbidden, "revealing sensitive outputs is disabled")
	}

	outputs, err := s.cfg.Deployments.Outputs(c.Request().Context(), c.Param("id"), reveal)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outputs)
}

// GET /api/deployments/:id/env
func (s *Server) downloadEnv(c echo.Context) error {
	id := c.Param("id")
	data, err := s.cfg.Deployments.Env(c.Request().Context(), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", engine.EnvFileName(id)))
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", data)
}

// GET /api/deployments/:id/history
func (s *Server) getHistory(c echo.Context) error {
	h, err := s.cfg.Deployments.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if h == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, h)
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// GET /healthz
func (s *Server) healthz(c echo.Context) error {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.HealthCheck(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		}
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}
