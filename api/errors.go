package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"prism-calendar/domain"
)

var (
	errInvalidBody  = errors.New("invalid body")
	errInvalidMonth = errors.New("invalid month, want YYYY-MM")
)

const (
	noticeWriteFailed = "Your change could not be saved. It will be corrected when the calendar refreshes."
	noticeUnavailable = "Tasks are unavailable right now. Showing the last known state."
)

type errorResponse struct {
	Error  string `json:"error"`
	Notice string `json:"notice,omitempty"`
}

// statusFor maps intent errors onto responses. Store failures are not fatal
// to the client and carry a notice to show.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidBody),
		errors.Is(err, errInvalidMonth),
		errors.Is(err, domain.ErrEmptyText),
		errors.Is(err, domain.ErrInvalidDay),
		errors.Is(err, domain.ErrIndexOutOfRange),
		errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusBadRequest, ""
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, domain.ErrNoOwner),
		errors.Is(err, errMissingAuthorization),
		errors.Is(err, errBadAuthorization):
		return http.StatusUnauthorized, ""
	}

	var writeErr *domain.WriteError
	var batchErr *domain.BatchWriteError
	if errors.As(err, &writeErr) || errors.As(err, &batchErr) {
		return http.StatusServiceUnavailable, noticeWriteFailed
	}
	var subErr *domain.SubscriptionError
	if errors.As(err, &subErr) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, noticeUnavailable
	}
	return http.StatusInternalServerError, ""
}

func writeError(c echo.Context, err error) error {
	status, notice := statusFor(err)
	return c.JSON(status, errorResponse{Error: err.Error(), Notice: notice})
}
