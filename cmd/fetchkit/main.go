// Package main wires together the fetch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/api"
	"github.com/nyimbi/fetchkit/internal/archive"
	archivegcs "github.com/nyimbi/fetchkit/internal/archive/gcs"
	archivelocal "github.com/nyimbi/fetchkit/internal/archive/local"
	archivememory "github.com/nyimbi/fetchkit/internal/archive/memory"
	"github.com/nyimbi/fetchkit/internal/cache"
	cacheleveldb "github.com/nyimbi/fetchkit/internal/cache/leveldb"
	cachememory "github.com/nyimbi/fetchkit/internal/cache/memory"
	cachepostgres "github.com/nyimbi/fetchkit/internal/cache/postgres"
	"github.com/nyimbi/fetchkit/internal/clock/system"
	"github.com/nyimbi/fetchkit/internal/config"
	"github.com/nyimbi/fetchkit/internal/events"
	"github.com/nyimbi/fetchkit/internal/events/sinks"
	"github.com/nyimbi/fetchkit/internal/fetch"
	"github.com/nyimbi/fetchkit/internal/hash/sha256"
	"github.com/nyimbi/fetchkit/internal/id/uuid"
	"github.com/nyimbi/fetchkit/internal/logging"
	"github.com/nyimbi/fetchkit/internal/proxy"
	"github.com/nyimbi/fetchkit/internal/queue"
	"github.com/nyimbi/fetchkit/internal/ratelimit"
	"github.com/nyimbi/fetchkit/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	dev := flag.Bool("dev", false, "Force development logging")
	listen := flag.String("listen", "", "Listen address override (host:port)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development || *dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.New()

	store, err := buildCacheStore(ctx, cfg)
	if err != nil {
		logger.Fatal("cache store init failed", zap.Error(err))
	}
	cacheManager, err := cache.NewManager(ctx, store, cache.Options{
		MaxSize:              cfg.Cache.MaxSizeBytes,
		DefaultTTL:           cfg.DefaultTTL(),
		CompressionThreshold: cfg.Cache.CompressionThresholdBytes,
	}, clock, hasher, logger.Named("cache"))
	if err != nil {
		logger.Fatal("cache manager init failed", zap.Error(err))
	}

	sinkList, err := buildSinks(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("event sink init failed", zap.Error(err))
	}
	hub := events.NewHub(events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger.Named("events"),
	}, sinkList...)

	var pool fetch.ProxyPool
	if len(cfg.Proxy.Proxies) > 0 {
		checker := proxy.NewHTTPChecker(cfg.Proxy.ProbeURL, cfg.Fetch.UserAgent)
		manager, err := proxy.New(proxy.Config{
			Proxies:            cfg.Proxy.Proxies,
			MaxFailures:        cfg.Proxy.MaxFailures,
			LatencyWindow:      cfg.Proxy.LatencyWindow,
			RevalidateInterval: cfg.RevalidateInterval(),
			RemoveAfter:        cfg.Proxy.RemoveAfter,
			ProbeTimeout:       time.Duration(cfg.Proxy.ProbeTimeoutSeconds) * time.Second,
		}, checker, logger.Named("proxy"))
		if err != nil {
			logger.Fatal("proxy pool init failed", zap.Error(err))
		}
		go manager.Run(ctx)
		pool = manager
	}

	perDomain := make(map[string]ratelimit.DomainRate, len(cfg.Rates.PerDomain))
	for domain, dr := range cfg.Rates.PerDomain {
		perDomain[domain] = ratelimit.DomainRate{PerSecond: dr.PerSecond, Burst: dr.Burst}
	}
	limiter := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.Rates.PerSecond,
		Burst:     cfg.Rates.Burst,
		PerDomain: perDomain,
	})

	archiveStore, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	engine, err := fetch.NewEngine(fetch.Config{
		Timeout:        cfg.RequestTimeout(),
		MaxRetries:     cfg.Fetch.MaxRetries,
		BackoffInitial: time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
		UserAgent:      cfg.Fetch.UserAgent,
	}, fetch.Dependencies{
		Limiter:  limiter,
		Proxies:  pool,
		Cache:    cacheManager,
		Archiver: archiveStore,
		Emitter:  hub,
		Clock:    clock,
		Hasher:   hasher,
		IDs:      idGen,
		Logger:   logger.Named("engine"),
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	q := queue.New(cfg.Queue.Depth)
	workerPool, err := fetch.NewPool(engine, q, cfg.Queue.Workers, nil, logger.Named("pool"))
	if err != nil {
		logger.Fatal("worker pool init failed", zap.Error(err))
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workerPool.Run(ctx)
	}()

	apiServer := api.NewServer(engine, cacheManager, q, idGen, api.Config{
		APIKey: cfg.Server.APIKey,
	}, logger.Named("api"))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if *listen != "" {
		addr = *listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	q.Close()
	<-poolDone

	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("event hub close error", zap.Error(err))
	}
	if err := cacheManager.Close(); err != nil {
		logger.Warn("cache close error", zap.Error(err))
	}
	if archiveStore != nil {
		if err := archiveStore.Close(); err != nil {
			logger.Warn("archive close error", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

func buildCacheStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.Cache.Kind {
	case "memory":
		return cachememory.NewStore(), nil
	case "leveldb":
		return cacheleveldb.NewStore(cfg.Cache.Path)
	case "postgres":
		store, err := cachepostgres.NewStore(ctx, cachepostgres.Config{DSN: cfg.Cache.DSN})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure cache schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache kind %q", cfg.Cache.Kind)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (archive.Store, error) {
	switch cfg.Archive.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return archivememory.NewStore(), nil
	case "local":
		return archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.Dir})
	case "gcs":
		return archivegcs.Connect(ctx, archivegcs.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Archive.Kind)
	}
}

func buildSinks(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]events.Sink, error) {
	var out []events.Sink
	if cfg.Events.LogEvents {
		out = append(out, sinks.NewLogSink(logger))
	}
	prom, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out = append(out, prom)
	if cfg.Events.PubSub.TopicID != "" {
		ps, err := sinks.ConnectPubSubSink(ctx, cfg.Events.PubSub.ProjectID, cfg.Events.PubSub.TopicID)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub sink: %w", err)
		}
		out = append(out, ps)
	}
	return out, nil
}
