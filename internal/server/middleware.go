package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/tally/internal/errx"
)

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware sets CORS headers, answers preflights and records request
// metrics.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rw, r)

		endpoint := r.URL.Path
		if r.Pattern != "" {
			endpoint = r.Pattern
		}
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// rateLimitMiddleware enforces per-client rate limits and daily quotas.
func (s *Server) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next(w, r)
			return
		}
		if err := s.rateLimiter.Allow(clientIP(r), max(r.ContentLength, 0)); err != nil {
			writeLimitError(w, err)
			return
		}
		next(w, r)
	}
}

func writeLimitError(w http.ResponseWriter, err error) {
	var le *LimitError
	if !errors.As(err, &le) {
		writeError(w, err)
		return
	}
	rateLimitHits.WithLabelValues(le.Kind).Inc()
	w.Header().Set("X-RateLimit-Type", le.Kind)
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(le.Limit, 10))
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", le.RetryAfter.Seconds()))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"type":        le.Kind,
		"limit":       le.Limit,
		"retry_after": le.RetryAfter.Seconds(),
		"message":     le.Error(),
	})
}

// clientIP extracts the client address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps err to its HTTP status. Typed errors expose their code and
// details; anything else is reported as an internal error.
func writeError(w http.ResponseWriter, err error) {
	status := errx.HTTPStatus(err)
	resp := ErrorResponse{Error: err.Error()}
	var xe *errx.Error
	if errors.As(err, &xe) {
		resp.Code = xe.Code
		resp.Details = xe.Details
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err, "code", resp.Code)
	}
	writeJSON(w, status, resp)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}
