package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const (
	sseDataPrefix = "data: "
	sseKeepAlive  = ": keep-alive\n\n"
)

// stream pushes the month view of the caller's session after every change.
// The stream holds the session for its whole lifetime, so opening it is the
// login and closing it the logout of that client.
func (s *Server) stream(c echo.Context) error {
	ownerID, err := ownerFromRequest(c, s.auth)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
	}
	year, month, err := parseMonth(c.QueryParam("month"), s.now())
	if err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	session, release, err := s.sessions.Acquire(ctx, ownerID)
	if err != nil {
		s.logger.WithError(err).WithField("owner", ownerID).Warn("stream session unavailable")
		return writeError(c, err)
	}
	defer release()

	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	changes, stop := session.Watch()
	defer stop()

	send := func() error {
		data, err := sonic.Marshal(buildMonthView(session, year, month))
		if err != nil {
			return err
		}
		frame := make([]byte, 0, len(sseDataPrefix)+len(data)+2)
		frame = append(frame, sseDataPrefix...)
		frame = append(frame, data...)
		frame = append(frame, '\n', '\n')
		if _, err := res.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	log := s.logger.WithField("owner", ownerID)
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	if err := send(); err != nil {
		log.WithError(err).Warn("stream write failed")
		return nil
	}
	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			err = send()
		case <-keepAlive.C:
			if _, err = res.Write([]byte(sseKeepAlive)); err == nil {
				flusher.Flush()
			}
		}
		if err != nil {
			log.WithError(err).Warn("stream write failed")
			return nil
		}
	}
}
