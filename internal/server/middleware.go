package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

const exposedHeaders = "X-Cache-Status, X-Total-Count, Content-Disposition"

// withTiming logs every request and records its duration.
func (s *Server) withTiming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(responseWriter)
		next.ServeHTTP(rec, request)

		elapsed := time.Since(start)
		s.metrics.observe(request.Method, request.Pattern, rec.StatusCode(), elapsed.Seconds())
		s.logger.Debug("request",
			slog.String("method", request.Method),
			slog.String("path", request.URL.Path),
			slog.Int("status", rec.StatusCode()),
			slog.Int64("bytes", rec.BytesWritten()),
			slog.Duration("duration", elapsed),
		)
	})
}

// withRecover turns handler panics into 500 responses.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		rec := NewResponseRecorder(responseWriter)
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.metrics.panicked()
				if rec.Started() {
					s.logger.Error("panic after response started", slog.String("path", request.URL.Path), slog.Any("panic", p))
					return
				}
				s.writeError(rec, request, fmt.Errorf("panic: %v", p))
			}
		}()
		next.ServeHTTP(rec, request)
	})
}

// withCORS answers preflight requests and adds CORS headers for allowed origins.
// An empty origin list allows every origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	origins := s.opts.CORSOrigins
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		origin := request.Header.Get("Origin")
		if origin != "" && (len(origins) == 0 || slices.Contains(origins, origin)) {
			header := responseWriter.Header()
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Set("Access-Control-Expose-Headers", exposedHeaders)
			header.Add("Vary", "Origin")
			if request.Method == http.MethodOptions && request.Header.Get("Access-Control-Request-Method") != "" {
				header.Set("Access-Control-Allow-Methods", strings.Join([]string{
					http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
				}, ", "))
				if requested := request.Header.Get("Access-Control-Request-Headers"); requested != "" {
					header.Set("Access-Control-Allow-Headers", requested)
				}
				responseWriter.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(responseWriter, request)
	})
}

func (s *Server) withGzip(next http.Handler) (http.Handler, error) {
	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(s.opts.GzipMinSize))
	if err != nil {
		return nil, fmt.Errorf("create gzip wrapper: %w", err)
	}
	return wrap(next), nil
}
