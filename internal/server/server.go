// Package server exposes datasets over HTTP with cached bitmask and search
// responses.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/TimRepke/lithub"
	"github.com/TimRepke/lithub/internal/dataset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache namespaces used by the handlers.
const (
	NamespaceBitmask = "bitmask"
	NamespaceIDs     = "ids"
	NamespaceSearch  = "search"
)

var namespaces = []string{NamespaceBitmask, NamespaceIDs, NamespaceSearch}

// Options tune the HTTP surface.
type Options struct {
	// DownloadBuffer is the CSV export flush size in bytes.
	DownloadBuffer int
	// GzipMinSize is the smallest response body that gets compressed.
	GzipMinSize int
	CORS        bool
	CORSOrigins []string
}

// Server serves the API.
type Server struct {
	registry *dataset.Registry
	memo     *lithub.Memo
	opts     Options
	logger   *slog.Logger
	metrics  *Metrics

	handler http.Handler
}

// New builds the route table. Metrics are registered with reg, which is also
// served on /metrics.
func New(registry *dataset.Registry, memo *lithub.Memo, reg *prometheus.Registry, opts Options, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		memo:     memo,
		opts:     opts,
		logger:   logger,
		metrics:  NewMetrics(reg),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", s.ping)
	mux.Handle("GET /api/basic/info/{$}", s.handle(s.listDatasets))
	mux.Handle("PUT /api/basic/info/{$}", s.handle(s.reloadDatasets))
	mux.Handle("GET /api/basic/info/{dataset}", s.handle(s.getDataset))
	mux.Handle("GET /api/basic/bitmask/{dataset}", s.handle(s.getBitmask))
	mux.Handle("GET /api/basic/bitmask/{dataset}/ids", s.handle(s.getIDs))
	mux.Handle("GET /api/basic/search/bitmask/{dataset}", s.handle(s.searchBitmask))
	mux.Handle("GET /api/basic/search/ids/{dataset}", s.handle(s.searchIDs))
	mux.Handle("POST /api/basic/documents/{dataset}", s.handle(s.listDocuments))
	mux.Handle("POST /api/basic/download/{dataset}", s.handle(s.download))
	mux.Handle("DELETE /api/basic/cache", s.handle(s.clearCache))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler, err := s.withGzip(handler)
	if err != nil {
		return nil, err
	}
	if opts.CORS {
		handler = s.withCORS(handler)
	}
	s.handler = s.withTiming(s.withRecover(handler))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Purger drops expired cache entries and reports how many it removed.
type Purger interface {
	PurgeExpired() int
}

// Sweep purges expired entries every interval until ctx is done.
func (s *Server) Sweep(ctx context.Context, purger Purger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := purger.PurgeExpired(); n > 0 {
				s.logger.Debug("purged expired cache entries", slog.Int("count", n))
			}
		}
	}
}

// handlerFunc is an http.HandlerFunc that reports failures instead of writing them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		rec := NewResponseRecorder(responseWriter)
		err := fn(rec, request)
		if err == nil {
			return
		}
		if rec.Started() {
			s.logger.Error("request failed after response started",
				slog.String("path", request.URL.Path), slog.Any("error", err.Error()))
			return
		}
		s.writeError(rec, request, err)
	})
}
