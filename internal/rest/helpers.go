package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uptrace/bunrouter"

	"github.com/gosom/entityhub/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// Bind decodes the JSON request body into dst. An empty body yields io.EOF.
func Bind(r bunrouter.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return err
	default:
		return ValidationError{"invalid json"}
	}
}

// JSON writes value as the response body. A nil value sends headers only.
func JSON(w http.ResponseWriter, statusCode int, value any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if value == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(value)
}

func logHandler(log zerolog.Logger, m *metrics.Metrics) func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) error {
			reqID := req.Header.Get(requestIDHeader)
			if len(reqID) == 0 {
				reqID = uuid.New().String()
			}
			w.Header().Set(requestIDHeader, reqID)
			rec := newStatusRecorder(w)
			now := time.Now()
			err := next(rec.w, req)
			ip, _ := clientIP(req.Request)
			dur := time.Since(now)
			statusCode := rec.statusCode()
			m.ObserveHTTP(req.Method, req.Route(), statusCode, dur)
			ev := log.Info().
				Str("requestId", reqID).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("statusCode", statusCode).
				IPAddr("ip", ip).
				Dur("duration", dur)
			if err != nil {
				ev.Err(err)
			}
			ev.Msg(http.StatusText(statusCode))
			return err
		}
	}
}

func acceptedContentType(contentType ...string) func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	msg := "Header value Content-Type must be one of: " + strings.Join(contentType, ",")
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) error {
			incoming, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
			if !slices.Contains(contentType, incoming) {
				return ValidationError{Message: msg}
			}
			return next(w, req)
		}
	}
}

// statusRecorder remembers the first status code written through w.
type statusRecorder struct {
	w      http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	rec := &statusRecorder{}
	rec.w = httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				if rec.status == 0 {
					rec.status = code
				}
				next(code)
			}
		},
	})
	return rec
}

func (rec *statusRecorder) statusCode() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

// clientIP prefers X-Real-IP, then the first parseable X-Forwarded-For hop,
// then the remote address.
func clientIP(r *http.Request) (net.IP, error) {
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip, nil
	}
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(hop)); ip != nil {
			return ip, nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("no valid ip in %q", r.RemoteAddr)
}
