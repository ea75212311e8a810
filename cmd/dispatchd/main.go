// Package main runs the dispatch service: it reads a batch of task URLs,
// drives them through the dispatcher, and serves the operator API while the
// batch runs.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crawlstack/dispatch/internal/api"
	"github.com/crawlstack/dispatch/internal/artifact"
	artifactgcs "github.com/crawlstack/dispatch/internal/artifact/gcs"
	artifactlocal "github.com/crawlstack/dispatch/internal/artifact/local"
	artifactmemory "github.com/crawlstack/dispatch/internal/artifact/memory"
	"github.com/crawlstack/dispatch/internal/config"
	"github.com/crawlstack/dispatch/internal/dispatch"
	collyfetcher "github.com/crawlstack/dispatch/internal/fetcher/colly"
	"github.com/crawlstack/dispatch/internal/logging"
	"github.com/crawlstack/dispatch/internal/monitor"
	"github.com/crawlstack/dispatch/internal/publish"
	publishmemory "github.com/crawlstack/dispatch/internal/publish/memory"
	publishpubsub "github.com/crawlstack/dispatch/internal/publish/pubsub"
	"github.com/crawlstack/dispatch/internal/ratelimit"
	"github.com/crawlstack/dispatch/internal/store"
	storememory "github.com/crawlstack/dispatch/internal/store/memory"
	storepostgres "github.com/crawlstack/dispatch/internal/store/postgres"
	"github.com/crawlstack/dispatch/internal/sysmem"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	urlsPath := flag.String("urls", "", "Path to a file of task URLs, one per line (- for stdin)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *urlsPath, logger); err != nil {
		logger.Error("dispatch run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, urlsPath string, logger *zap.Logger) error {
	tasks, err := readTasks(urlsPath)
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}

	sampler := sysmem.NewRuntimeSampler(cfg.Dispatch.MemoryLimitMB)

	limiter, err := ratelimit.New(ratelimit.Config{
		BaseDelayMin: cfg.RateLimit.BaseDelayMin(),
		BaseDelayMax: cfg.RateLimit.BaseDelayMax(),
		MaxDelay:     cfg.RateLimit.MaxDelay(),
		MaxRetries:   cfg.RateLimit.MaxRetries,
		StatusCodes:  cfg.RateLimit.StatusCodes,
		DomainQPS:    cfg.RateLimit.DomainQPS,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	displays, err := buildDisplays(cfg.Monitor, registry, logger)
	if err != nil {
		return fmt.Errorf("build displays: %w", err)
	}
	mon := monitor.New(monitor.Config{
		MaxVisibleRows: cfg.Monitor.MaxVisibleRows,
		Mode:           monitor.Mode(cfg.Monitor.Mode),
		RenderInterval: cfg.Monitor.RenderInterval(),
	}, nil, logger.Named("monitor"), displays...)
	mon.Start()
	defer mon.Stop()

	admission, err := buildAdmission(cfg.Dispatch, sampler, logger)
	if err != nil {
		return fmt.Errorf("build admission policy: %w", err)
	}

	sinks, results, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build result sinks: %w", err)
	}
	defer closeSinks()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       cfg.Fetch.Timeout(),
		RespectRobots: cfg.Fetch.RespectRobots,
	})

	runner, err := dispatch.NewRunner(dispatch.Options{
		Admission: admission,
		Limiter:   limiter,
		Monitor:   mon,
		Sampler:   sampler,
		Logger:    logger.Named("dispatch"),
		Sinks:     sinks,
	})
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	apiServer := api.NewServer(mon, results, registry, logger.Named("api"))
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("operator api started", zap.String("addr", addr))
		if err := apiServer.Serve(ctx, addr); err != nil {
			logger.Warn("operator api stopped", zap.Error(err))
		}
	}()

	logger.Info("dispatching batch",
		zap.Int("tasks", len(tasks)),
		zap.String("policy", cfg.Dispatch.Policy),
	)
	stream, err := runner.Stream(ctx, tasks, fetcher.Func())
	if err != nil {
		return err
	}

	var succeeded, failed int
	for res := range stream {
		if res.OK() {
			succeeded++
		} else {
			failed++
		}
		logger.Debug("task finished",
			zap.String("task_id", res.TaskID),
			zap.String("url", res.URL),
			zap.Int("attempts", res.Attempts),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Error),
		)
	}

	stats := mon.Stats()
	logger.Info("batch complete",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Duration("elapsed", stats.Elapsed),
		zap.Float64("per_second", stats.PerSecond),
	)
	return ctx.Err()
}

func buildDisplays(cfg config.MonitorConfig, registry *prometheus.Registry, logger *zap.Logger) ([]monitor.Display, error) {
	prom, err := monitor.NewPromDisplay(registry)
	if err != nil {
		return nil, err
	}
	displays := []monitor.Display{prom}
	switch cfg.Display {
	case "terminal":
		displays = append(displays, monitor.NewTermDisplay(os.Stdout))
	case "log":
		displays = append(displays, monitor.NewLogDisplay(logger.Named("progress")))
	case "none":
	}
	return displays, nil
}

func buildAdmission(cfg config.DispatchConfig, sampler sysmem.Sampler, logger *zap.Logger) (dispatch.Admission, error) {
	switch cfg.Policy {
	case "semaphore":
		return dispatch.NewSemaphore(cfg.MaxPermits), nil
	case "memory_adaptive":
		return dispatch.NewMemoryAdaptive(dispatch.MemoryAdaptiveConfig{
			MemoryThresholdPercent: cfg.MemoryThresholdPercent,
			CheckInterval:          cfg.CheckInterval(),
			MaxSessionPermit:       cfg.MaxSessionPermit,
			MemoryWaitTimeout:      cfg.MemoryWaitTimeout(),
		}, sampler, logger.Named("admission")), nil
	default:
		return nil, fmt.Errorf("unknown dispatch policy %q", cfg.Policy)
	}
}

// buildSinks assembles the configured result sinks. The returned ResultReader
// is non-nil only for the in-memory store, where the API can serve results
// directly.
func buildSinks(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]dispatch.ResultSink, api.ResultReader, func(), error) {
	var (
		sinks   []dispatch.ResultSink
		results api.ResultReader
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch cfg.Store.Provider {
	case "postgres":
		pg, err := storepostgres.NewResultStore(ctx, storepostgres.ResultStoreConfig{
			DSN:      cfg.Store.DSN,
			Table:    cfg.Store.Table,
			MaxConns: cfg.Store.MaxConns,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, pg.Close)
		sinks = append(sinks, store.NewSink(pg))
	case "memory":
		mem := storememory.NewResultStore()
		results = mem
		sinks = append(sinks, store.NewSink(mem))
	case "none":
	default:
		closeAll()
		return nil, nil, nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}

	switch cfg.Publish.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Publish.ProjectID)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub := publishpubsub.New(client)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close pubsub publisher", zap.Error(err))
			}
		})
		sinks = append(sinks, publish.NewSink(pub, cfg.Publish.Topic))
	case "memory":
		sinks = append(sinks, publish.NewSink(publishmemory.New(), cfg.Publish.Topic))
	case "none":
	default:
		closeAll()
		return nil, nil, nil, fmt.Errorf("unknown publish provider %q", cfg.Publish.Provider)
	}

	var blobs artifact.BlobStore
	switch cfg.Artifact.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("storage client: %w", err)
		}
		gcs, err := artifactgcs.New(client, cfg.Artifact.GCSBucket)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, func() {
			if err := gcs.Close(); err != nil {
				logger.Warn("close gcs blob store", zap.Error(err))
			}
		})
		blobs = gcs
	case "local":
		local, err := artifactlocal.New(cfg.Artifact.BaseDir)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		blobs = local
	case "memory":
		blobs = artifactmemory.New()
	case "none":
	default:
		closeAll()
		return nil, nil, nil, fmt.Errorf("unknown artifact provider %q", cfg.Artifact.Provider)
	}
	if blobs != nil {
		archiver, err := artifact.NewArchiver(blobs, cfg.Artifact.Prefix)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, archiver)
	}

	return sinks, results, closeAll, nil
}

// readTasks loads one task per non-empty, non-comment line.
func readTasks(path string) ([]dispatch.Task, error) {
	if path == "" {
		return nil, fmt.Errorf("-urls is required")
	}
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}

	var tasks []dispatch.Task
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tasks = append(tasks, dispatch.Task{URL: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no task URLs found in %s", path)
	}
	return tasks, nil
}
