package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/uptrace/bunrouter"

	"github.com/gosom/entityhub/internal/registry"
)

var ErrNotFound = errors.New("resource not found")

type NotFoundError struct {
	Message string
}

func (e NotFoundError) Error() string {
	return e.Message
}

type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

type HTTPError struct {
	StatusCode int `json:"-"`

	Message string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

func NewHTTPError(err error) HTTPError {
	switch err := err.(type) {
	case NotFoundError:
		return HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    err.Message,
		}
	case ValidationError:
		return HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    err.Message,
		}
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "resource not found",
		}
	case errors.Is(err, io.EOF):
		return HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "EOF reading HTTP request body",
		}
	case errors.Is(err, registry.ErrTimeout):
		return HTTPError{
			StatusCode: http.StatusGatewayTimeout,
			Message:    err.Error(),
		}
	case errors.Is(err, registry.ErrStopped):
		return HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "service is shutting down",
		}
	}

	return HTTPError{
		StatusCode: http.StatusInternalServerError,
		Message:    "Internal server error",
	}
}

func errorHandler(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		err := next(w, req)
		switch err := err.(type) {
		case nil:
			// no error
		case HTTPError: // already a HTTPError
			_ = JSON(w, err.StatusCode, err)
		default:
			httpErr := NewHTTPError(err)
			_ = JSON(w, httpErr.StatusCode, httpErr)
		}

		return err // return the err in case there other middlewares
	}
}
