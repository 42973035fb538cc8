// Package lithub parses the server configuration and runs the API process.
package lithub

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TimRepke/lithub"
	"github.com/TimRepke/lithub/cache"
	"github.com/TimRepke/lithub/internal/dataset"
	"github.com/TimRepke/lithub/internal/server"
	"github.com/TimRepke/lithub/internal/telemetry"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	serviceName     = "lithub"
	envPrefix       = "LITHUB_"
	shutdownTimeout = 10 * time.Second
)

// Config holds the server configuration. Every field is read from a
// LITHUB_ prefixed environment variable; flags override the environment.
type Config struct {
	Host           string `env:"HOST" envDefault:"localhost"`
	Port           int    `env:"PORT" envDefault:"8080"`
	DatasetsFolder string `env:"DATASETS_FOLDER" envDefault:"./data/"`

	CacheLimit         int64         `env:"CACHE_LIMIT" envDefault:"134217728"`
	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"1h"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"5m"`
	CacheMaxPayload    int           `env:"CACHE_MAX_PAYLOAD" envDefault:"0"`

	DownloadBuffer int      `env:"DOWNLOAD_BUFFER" envDefault:"10240"`
	HeaderCORS     bool     `env:"HEADER_CORS" envDefault:"false"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	GzipMinSize    int      `env:"GZIP_MIN_SIZE" envDefault:"1000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	OTELEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// ParseConfig loads cfg from environ (the process environment when nil) and
// then parses flags from args.
func ParseConfig(fs *flag.FlagSet, args []string, environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.DatasetsFolder, "datasets", cfg.DatasetsFolder, "folder holding one sub-folder per dataset")
	fs.Int64Var(&cfg.CacheLimit, "cache-limit", cfg.CacheLimit, "response cache budget in bytes")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "lifetime of cached responses (0 = no expiry)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	for i, origin := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(origin)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.CacheLimit <= 0 {
		errs = append(errs, fmt.Errorf("cache limit must be positive, got %d", c.CacheLimit))
	}
	if c.GzipMinSize < 0 {
		errs = append(errs, fmt.Errorf("gzip min size must not be negative, got %d", c.GzipMinSize))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTELEndpoint,
		Enabled:     cfg.OTELEnabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", slog.Any("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := cache.NewInMemory(cfg.CacheLimit, cache.WithLogger(logger), cache.WithMetrics(cache.NewMetrics(reg)))
	defer store.Close()
	memo := lithub.NewMemo(store, &lithub.Config{
		DefaultTTL:      cfg.CacheTTL,
		MaxPayloadBytes: cfg.CacheMaxPayload,
	}, logger)

	registry := dataset.NewRegistry(cfg.DatasetsFolder, logger)
	if err := registry.Reload(ctx); err != nil {
		return err
	}
	defer registry.Close()

	srv, err := server.New(registry, memo, reg, server.Options{
		DownloadBuffer: cfg.DownloadBuffer,
		GzipMinSize:    cfg.GzipMinSize,
		CORS:           cfg.HeaderCORS,
		CORSOrigins:    cfg.CORSOrigins,
	}, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	if cfg.HeaderCORS {
		logger.Info("CORS enabled", slog.Any("origins", cfg.CORSOrigins))
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go srv.Sweep(sweepCtx, store, cfg.CacheSweepInterval)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, httpServer, logger)
}

func serve(ctx context.Context, httpServer *http.Server, logger *slog.Logger) error {
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", httpServer.Addr, err)
	}
	logger.Info("serving", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
