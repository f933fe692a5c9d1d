package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps engine error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeOperationInProgress, engine.ErrCodeWorkspaceConflict, engine.ErrCodeCancelled:
		return http.StatusConflict
	case engine.ErrCodeAuthFailed, engine.ErrCodeToolFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: http.StatusText(status)}

	var ee *engine.EngineError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ee):
		status = statusFor(ee.Code)
		body = errorBody{Error: ee.Message, Code: ee.Code}
		if v, ok := ee.Details["violations"]; ok {
			body.Details = map[string]any{"violations": v}
		}
		if status == http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
			body.Error = "internal error"
		}
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(status)
		}
	default:
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write error response")
	}
}
