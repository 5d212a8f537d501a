package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ahrav/go-imgjudge/internal/domain"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

// ErrorMessage describes a failed request.
type ErrorMessage struct {
	Reason string              `json:"reason"`
	Advice string              `json:"advice,omitempty"`
	Fields []domain.FieldError `json:"fields,omitempty"`
	Cause  error               `json:"-"`
}

func (m ErrorMessage) Error() string {
	if m.Cause == nil {
		return m.Reason
	}
	return m.Reason + ": " + m.Cause.Error()
}

func (m ErrorMessage) Unwrap() error { return m.Cause }

func newErrorMessage(code int, msg ErrorMessage) *echo.HTTPError {
	return echo.NewHTTPError(code, msg).SetInternal(msg)
}

func badRequest(advice string, err error) *echo.HTTPError {
	msg := ErrorMessage{Reason: "bad request", Advice: advice, Cause: err}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		msg.Fields = verr.Fields
	}
	return newErrorMessage(http.StatusBadRequest, msg)
}

func notFound(err error) *echo.HTTPError {
	return newErrorMessage(http.StatusNotFound, ErrorMessage{Reason: "not found", Cause: err})
}

func internalError(reason string, err error) *echo.HTTPError {
	return newErrorMessage(http.StatusInternalServerError, ErrorMessage{
		Reason: reason,
		Advice: "retry later or ask your system admin.",
		Cause:  err,
	})
}

// classify maps service errors onto HTTP errors.
func classify(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return badRequest("fix the listed fields and resubmit.", err)
	case errors.Is(err, domain.ErrNotFound):
		return notFound(err)
	case errors.Is(err, domain.ErrBatchFailed):
		return internalError("batch failed", err)
	default:
		return internalError("unexpected error", err)
	}
}

// errorHandler renders every error as an ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = internalError("unexpected error", err)
	}

	body := ErrorResponse{}
	switch m := he.Message.(type) {
	case ErrorMessage:
		body.Message = m
	case string:
		body.Message = ErrorMessage{Reason: m}
	default:
		body.Message = ErrorMessage{Reason: http.StatusText(he.Code)}
	}

	if he.Code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request().URL.Path),
			zap.Error(he))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(he.Code)
	} else {
		err = c.JSON(he.Code, body)
	}
	if err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}
