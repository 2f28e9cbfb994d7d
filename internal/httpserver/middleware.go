package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type contextKey string

const requestLoggerKey contextKey = "nvdash.request.logger"

// responseRecorder captures the status code and body size written by a
// handler. It must keep forwarding Flush and Hijack: the WebSocket
// upgrade takes over the underlying connection through it.
type responseRecorder struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *responseRecorder) statusCode() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

func (rec *responseRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rec.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying response writer does not support hijacking")
}

// withRequestLogging assigns each request a sequential id, stashes a
// request-scoped logger in the context and emits one completion line.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With(
			"req_id", s.requestIDs.Add(1),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		rec := &responseRecorder{ResponseWriter: w}
		started := time.Now()

		ctx := context.WithValue(r.Context(), requestLoggerKey, logger)
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.Info("request handled",
			"status", rec.statusCode(),
			"bytes", rec.bytes,
			"duration", time.Since(started),
		)
	})
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(requestLoggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return s.logger
}
