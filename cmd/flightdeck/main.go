package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/api"
	"github.com/flightdeck-ai/flightdeck/internal/cache"
	"github.com/flightdeck-ai/flightdeck/internal/config"
	"github.com/flightdeck-ai/flightdeck/internal/limits"
	"github.com/flightdeck-ai/flightdeck/internal/observability"
	"github.com/flightdeck-ai/flightdeck/internal/pipeline"
	"github.com/flightdeck-ai/flightdeck/internal/providers"
	"github.com/flightdeck-ai/flightdeck/internal/trace"
	"github.com/flightdeck-ai/flightdeck/internal/version"
)

const defaultConfigPath = "flightdeck.yaml"

const traceWriterQueueCapacity = 1024
const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	traceStore, err := newTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize trace storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := traceStore.Close(); err != nil {
			logger.Error("failed to close trace storage", "error", err)
		}
	}()

	// Headroom for short request bursts while keeping explicit backpressure
	// (drop on full queue) if storage falls behind.
	traceWriter := trace.NewWriter(traceStore, traceWriterQueueCapacity)
	traceWriter.Start(context.Background())
	attachTraceWriterFailureLogging(logger, traceWriter, otelRuntime)
	defer shutdownTraceWriter(logger, traceWriter, traceWriterShutdownTimeout)

	cacheStore, err := newCacheStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize semantic cache: %v\n", err)
		return 1
	}
	defer func() {
		if err := cacheStore.Close(); err != nil {
			logger.Error("failed to close semantic cache", "error", err)
		}
	}()

	llmHTTPClient := &http.Client{Transport: otelRuntime.WrapHTTPTransport(nil)}
	backend, err := selectBackend(cfg, llmHTTPClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure llm backend: %v\n", err)
		return 1
	}

	chatPipeline := pipeline.New(backend, cacheStore, traceWriter, logger, pipeline.Options{
		Mock:    cfg.LLM.Mock,
		Timeout: time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
		Metrics: pipeline.Metrics{
			OnCacheHit:  otelRuntime.RecordCacheHit,
			OnCacheMiss: otelRuntime.RecordCacheMiss,
			OnTraceDrop: func() {
				otelRuntime.RecordTraceQueueDrop("/chat", http.StatusOK)
			},
		},
	})

	limiter := limits.NewLimiter(limits.Config{
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		RequestsPerDay:    cfg.Limits.RequestsPerDay,
	})

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:          version.String(),
		Chat:                chatPipeline,
		Store:               traceStore,
		Limiter:             limiter,
		AdminToken:          cfg.Admin.Token,
		StorageDriver:       cfg.Storage.Driver,
		StoragePath:         cfg.Storage.Path,
		Writer:              traceWriter,
		OnRateLimitRejected: otelRuntime.RecordRateLimitRejection,
	})

	serverHandler := http.Handler(apiHandler)
	if otelRuntime.Enabled() {
		serverHandler = otelRuntime.SpanEnrichmentMiddleware(serverHandler)
		serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	}
	server := newServer(cfg, logger, serverHandler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"cache_driver", cfg.Cache.Driver,
		"llm_backend", backend.Name(),
		"mock_mode", cfg.LLM.Mock,
		"rate_limit_rpm", cfg.Limits.RequestsPerMinute,
		"rate_limit_rpd", cfg.Limits.RequestsPerDay,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("flightdeck stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("flightdeck failed", "error", err)
			return 1
		}
		return 0
	}
}

func newTraceStore(cfg config.Config) (trace.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		if err := ensureParentDir(cfg.Storage.Path); err != nil {
			return nil, err
		}
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func newCacheStore(cfg config.Config) (cache.Store, error) {
	switch cfg.Cache.Driver {
	case "sqlite":
		if err := ensureParentDir(cfg.Cache.Path); err != nil {
			return nil, err
		}
		return cache.NewSQLiteStore(cfg.Cache.Path)
	case "redis":
		return cache.NewRedisStore(cfg.Cache.Addr, cfg.Cache.DB)
	default:
		return nil, fmt.Errorf("unsupported cache.driver %q", cfg.Cache.Driver)
	}
}

// selectBackend resolves the generation backend. Mock mode always wins so a
// configured provider key cannot be hit by accident in development.
func selectBackend(cfg config.Config, llmHTTPClient *http.Client) (providers.Backend, error) {
	registry := providers.NewRegistry(
		providers.MockBackend{},
		providers.NewOpenAIBackend(cfg.LLM.APIKey, cfg.LLM.Model, llmHTTPClient),
	)
	if cfg.LLM.Mock {
		backend, _ := registry.Get("mock")
		return backend, nil
	}

	name := strings.TrimSpace(cfg.LLM.Provider)
	backend, ok := registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown llm.provider %q (available: %s)", name, strings.Join(registry.Names(), ", "))
	}
	return backend, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(strings.TrimSpace(path))
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func attachTraceWriterFailureLogging(logger *slog.Logger, writer *trace.Writer, otelRuntime *observability.Runtime) {
	if logger == nil || writer == nil {
		return
	}

	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		otelRuntime.RecordTraceWriteFailure(failure.Operation, failure.FailedCount)
		logger.Error(
			"trace persistence failed; dropped trace records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  flightdeck serve [--config path/to/flightdeck.yaml]")
	fmt.Fprintln(out, "  flightdeck version")
	fmt.Fprintln(out, "  flightdeck config validate [--config path/to/flightdeck.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  flightdeck config validate [--config path/to/flightdeck.yaml]")
}
