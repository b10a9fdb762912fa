package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"zingrelay/internal/accesslog"
	apihttp "zingrelay/internal/api/http"
	"zingrelay/internal/app"
	"zingrelay/internal/hoststats"
	"zingrelay/internal/metrics"
	"zingrelay/internal/providers/zing"
	"zingrelay/internal/relay"
	"zingrelay/internal/resolver"
	"zingrelay/internal/streamcache"
	"zingrelay/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "zing-relay")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "zing-relay"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("upstreamURL", cfg.UpstreamURL),
		slog.Duration("upstreamTimeout", cfg.UpstreamTimeout),
		slog.Duration("streamCacheTTL", cfg.StreamCacheTTL),
		slog.Int("streamCacheMax", cfg.StreamCacheMax),
		slog.Int("accessLogCapacity", cfg.AccessLogCapacity),
		slog.String("ffmpegPath", cfg.FFmpegPath),
		slog.String("streamBitrate", cfg.StreamBitrate),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.String("statsDiskPath", cfg.StatsDiskPath),
	)

	accessLog := accesslog.NewRing(cfg.AccessLogCapacity)
	streamCache := streamcache.New(cfg.StreamCacheMax, buildCacheOptions(cfg, logger)...)

	catalog := zing.NewClient(zing.Config{
		BaseURL: cfg.UpstreamURL,
		Client: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})
	resolveService := resolver.NewService(catalog, streamCache, accessLog,
		resolver.WithTimeout(cfg.UpstreamTimeout),
		resolver.WithLogger(logger),
	)
	audioRelay := relay.New(streamCache, accessLog, relay.TranscodeConfig{
		FFmpegPath: cfg.FFmpegPath,
		UserAgent:  cfg.StreamUserAgent,
		Referer:    cfg.StreamReferer,
		Bitrate:    cfg.StreamBitrate,
	}, relay.WithLogger(logger))

	api := apihttp.NewServer(resolveService,
		apihttp.WithLogger(logger),
		apihttp.WithRelay(audioRelay),
		apihttp.WithAccessLog(accessLog),
		apihttp.WithHostStats(hoststats.NewCollector(cfg.StatsDiskPath, hoststats.WithLogger(logger))),
	)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Audio streams last as long as the song; a write timeout would cut them.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("zing relay started",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("upstream", cfg.UpstreamURL),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		// Open audio streams keep connections busy; cancel them outright.
		logger.Warn("shutdown error", slog.String("error", err.Error()))
		_ = server.Close()
	}
	logger.Info("zing relay stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildCacheOptions(cfg app.Config, logger *slog.Logger) []streamcache.Option {
	opts := []streamcache.Option{streamcache.WithLogger(logger)}
	if cfg.StreamCacheTTL > 0 {
		opts = append(opts, streamcache.WithTTL(cfg.StreamCacheTTL))
	}

	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return opts
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory stream cache only", slog.String("error", err.Error()))
		return opts
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory stream cache only", slog.String("error", err.Error()))
		_ = client.Close()
		return opts
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return append(opts, streamcache.WithBackend(streamcache.NewRedisBackend(client, "")))
}
