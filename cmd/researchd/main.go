package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/circuitbreaker"
	"github.com/candorlabs/researchd/internal/config"
	"github.com/candorlabs/researchd/internal/httpapi"
	"github.com/candorlabs/researchd/internal/semcache"
	"github.com/candorlabs/researchd/internal/session"
	"github.com/candorlabs/researchd/internal/streaming"
	"github.com/candorlabs/researchd/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without it", zap.Error(err))
	}

	completer := capability.NewHTTPCompleter(capability.CompletionConfig{
		BaseURL:    cfg.Completion.BaseURL,
		Timeout:    cfg.Completion.Timeout,
		MaxRetries: cfg.Completion.MaxRetries,
		RPS:        cfg.Completion.RPS,
	}, logger)
	searcher := capability.NewHTTPSearcher(capability.SearchConfig{
		BaseURL: cfg.Search.BaseURL,
		Timeout: cfg.Search.Timeout,
	}, logger)

	var cache *semcache.Cache
	if cfg.Cache.Enabled {
		var store semcache.Store = semcache.NewLocalStore()
		if cfg.Redis.Enabled {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			rw := circuitbreaker.NewRedisWrapper(client, logger)
			defer rw.Close()
			if err := rw.Ping(context.Background()).Err(); err != nil {
				logger.Warn("Redis unreachable at startup, cache degrades to misses", zap.Error(err))
			}
			store = semcache.NewRedisStore(rw, logger)
		}
		cache = semcache.New(completer, store, cfg.Cache.TTL, logger)
	}

	registry := session.NewRegistry(session.Config{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	}, logger)
	defer registry.Close()

	events := streaming.NewManager(cfg.Streaming.HistoryCapacity)

	api := httpapi.NewServer(registry, cache, events, completer, searcher, logger)
	mux := api.Routes()
	mux.Handle("GET /metrics", promhttp.Handler())

	if *configPath != "" {
		watcher, err := config.Watch(*configPath, logger, func(updated *config.Config) {
			// Most knobs need a restart; log the reload so operators can
			// confirm the file parses before bouncing the service.
			logger.Info("Config file changed", zap.String("addr", updated.Server.Addr))
		})
		if err != nil {
			logger.Warn("Config watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown did not complete cleanly", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
