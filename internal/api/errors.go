package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/chat"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/report"
)

var timeNow = time.Now

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Category   string `json:"category,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// problem maps a domain error to a status and body. Anything unrecognised is
// an internal error whose detail stays in the log.
func problem(err error) (int, ErrorBody) {
	var (
		authErr  *chat.AuthError
		rateErr  *chat.RateLimitedError
		modErr   *chat.ModerationError
		valErr   *chat.ValidationError
		joinErr  *chat.JoinError
		muteErr  *chat.MutedError
		modLimit *enforcement.RateLimitedError
		httpErr  *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, ErrorBody{Code: codeFor(httpErr.Code), Message: fmt.Sprint(httpErr.Message)}
	case errors.As(err, &authErr):
		if authErr.Reason == chat.AuthSuspended {
			return http.StatusForbidden, ErrorBody{Code: "suspended", Message: "account suspended"}
		}
		return http.StatusUnauthorized, ErrorBody{Code: authErr.Reason, Message: "authentication failed"}
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, ErrorBody{Code: "rate_limited", Message: rateErr.Kind, RetryAfter: max(rateErr.RetryAfterSeconds(), 1)}
	case errors.As(err, &modLimit):
		return http.StatusTooManyRequests, ErrorBody{
			Code:       "rate_limited",
			Message:    "moderation",
			RetryAfter: max(int((modLimit.RetryAfter+time.Second-1)/time.Second), 1),
		}
	case errors.As(err, &modErr):
		v := modErr.Verdict
		return http.StatusUnprocessableEntity, ErrorBody{
			Code:       "message_rejected",
			Message:    "message rejected by moderation",
			Category:   string(v.Category),
			Severity:   string(v.Severity),
			Suggestion: v.Cleaned,
		}
	case errors.As(err, &muteErr):
		return http.StatusForbidden, ErrorBody{Code: "muted", Message: "muted in this room"}
	case errors.As(err, &valErr):
		return http.StatusBadRequest, ErrorBody{Code: "invalid_" + valErr.Field, Message: valErr.Reason}
	case errors.As(err, &joinErr):
		if joinErr.Code == chat.JoinNotFound {
			return http.StatusNotFound, notFound
		}
		return http.StatusForbidden, ErrorBody{Code: string(joinErr.Code), Message: "cannot access room"}
	case errors.Is(err, chat.ErrAccessDenied), errors.Is(err, access.ErrDenied),
		errors.Is(err, access.ErrInvalidID), errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, notFound
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrNotJoined):
		return http.StatusForbidden, ErrorBody{Code: "forbidden", Message: "not allowed"}
	case errors.Is(err, enforcement.ErrPrivilegeEscalation):
		return http.StatusForbidden, ErrorBody{Code: "insufficient_privileges", Message: "insufficient privileges for target"}
	case errors.Is(err, enforcement.ErrSelfModeration), errors.Is(err, enforcement.ErrInvalidAction),
		errors.Is(err, enforcement.ErrInvalidDuration), errors.Is(err, enforcement.ErrNotChannel),
		errors.Is(err, enforcement.ErrNotRestricted):
		return http.StatusBadRequest, ErrorBody{Code: "invalid_action", Message: err.Error()}
	case errors.Is(err, report.ErrInvalidReason), errors.Is(err, report.ErrSelfReport):
		return http.StatusBadRequest, ErrorBody{Code: "invalid_report", Message: err.Error()}
	case errors.Is(err, audit.ErrNoCounters):
		return http.StatusServiceUnavailable, ErrorBody{Code: "unavailable", Message: "statistics unavailable"}
	case errors.Is(err, context.Canceled):
		return 499, ErrorBody{Code: "canceled", Message: "request canceled"}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: "internal", Message: "internal error"}
	}
}

// notFound is shared by missing rooms and rooms the caller may not see so
// the two cannot be told apart.
var notFound = ErrorBody{Code: "not_found", Message: "not found"}

func statusOf(err error) int {
	code, _ := problem(err)
	return code
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	default:
		return "error"
	}
}

func errorHandler(err error, c echo.Context) {
	if err == nil || c.Response().Committed {
		return
	}
	code, body := problem(err)
	if code == http.StatusInternalServerError {
		log.Printf("[api] %s %s failed: %v", c.Request().Method, c.Path(), err)
	}
	if body.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		log.Printf("[api] could not write error response code=%d: %v", code, err)
	}
}
