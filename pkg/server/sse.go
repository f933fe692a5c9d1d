package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/openfroyo/provisioner/pkg/logstream"
)

// streamLogs serves the deployment log as server-sent events. Each line is a
// "log" event whose id is the line sequence number; the end of the current
// operation is an "end" event, after which the stream closes. Reconnecting
// clients resume after Last-Event-ID, or after ?after=N.
func (s *Server) streamLogs(c echo.Context) error {
	after, err := resumeCursor(c)
	if err != nil {
		return err
	}

	reqCtx := c.Request().Context()
	sub, err := s.cfg.Deployments.SubscribeLogs(reqCtx, c.Param("id"), after)
	if err != nil {
		return err
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		waitCtx, waitCancel := context.WithTimeout(ctx, s.cfg.SSEHeartbeat)
		ln, err := sub.Next(waitCtx)
		waitCancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, werr := io.WriteString(w, ": keep-alive\n\n"); werr != nil {
				return nil
			}
			w.Flush()
			continue
		case errors.Is(err, io.EOF), errors.Is(err, logstream.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			s.logger.Warn().Err(err).Str("deployment_id", c.Param("id")).Msg("Log stream failed")
			return nil
		}

		if err := writeEvent(w, ln); err != nil {
			return nil
		}
		w.Flush()
		if ln.End {
			return nil
		}
	}
}

func resumeCursor(c echo.Context) (uint64, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "after must be a non-negative integer")
	}
	return n, nil
}

func writeEvent(w io.Writer, ln logstream.Line) error {
	data, err := json.Marshal(ln)
	if err != nil {
		return err
	}
	event := "log"
	if ln.End {
		event = "end"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ln.Seq, event, data)
	return err
}
