package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/offlinecache/internal/bucket"
	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/expr"
	"github.com/l0p7/offlinecache/internal/logging"
	"github.com/l0p7/offlinecache/internal/metrics"
	"github.com/l0p7/offlinecache/internal/offline"
	"github.com/l0p7/offlinecache/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Files() []string
	Watch(context.Context, func(config.Config), func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (f fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := f.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(listen, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "OFFLINECACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	storage := buildStorage(logger.With(slog.String("agent", "storage_factory")), cfg.Server.Store)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := storage.Close(closeCtx); err != nil {
			logger.Error("storage shutdown failed", slog.Any("error", err))
		}
	}()

	policy, err := expr.NewStorePolicy(cfg.Cache.StorePolicy)
	if err != nil {
		return fmt.Errorf("compile store policy: %w", err)
	}
	manifest, err := manifestFor(cfg)
	if err != nil {
		return err
	}
	origin, err := originFor(cfg.Server.Upstream)
	if err != nil {
		return err
	}

	manager, err := offline.New(logger, offline.Options{
		Storage:            storage,
		Client:             newUpstreamClient(cfg.Server.Upstream),
		Manifest:           manifest,
		Policy:             policy,
		Metrics:            metricsRecorder,
		InstallConcurrency: cfg.Cache.InstallConcurrency,
	})
	if err != nil {
		return fmt.Errorf("construct offline cache: %w", err)
	}
	defer func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Close(waitCtx); err != nil {
			logger.Warn("pending stores abandoned at shutdown", slog.Any("error", err))
		}
	}()

	if _, err := manager.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if _, err := manager.Activate(ctx); err != nil {
		logger.Error("activation failed", slog.Any("error", err))
	}

	if len(loader.Files()) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			reloadManifest(ctx, logger, manager, next)
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewProxyHandler(manager, server.ProxyOptions{
		Origin:            origin,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", handler)

	srv, err := newHTTPServer(cfg.Server.Listen, logger, mux)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// reloadManifest starts an install/activate cycle when a reloaded
// configuration names a different version or asset list. Other settings
// only take effect on restart.
func reloadManifest(ctx context.Context, logger *slog.Logger, manager *offline.Manager, next config.Config) {
	manifest, err := manifestFor(next)
	if err != nil {
		logger.Error("reloaded manifest rejected", slog.Any("error", err))
		return
	}
	current := manager.Current()
	if current.Version == manifest.Version && slices.Equal(current.URLs, manifest.URLs) {
		logger.Debug("configuration reloaded without manifest change")
		return
	}
	report, err := manager.Update(ctx, manifest)
	if err != nil {
		logger.Error("manifest update failed", slog.String("version", manifest.Version), slog.Any("error", err))
		return
	}
	logger.Info("manifest update complete",
		slog.String("version", report.Version),
		slog.Int("stored", len(report.Stored)),
		slog.Int("failed", len(report.Failed)))
}

func manifestFor(cfg config.Config) (offline.Manifest, error) {
	urls, err := config.ResolveManifest(cfg.Server.Upstream.Origin, cfg.Cache.Manifest)
	if err != nil {
		return offline.Manifest{}, err
	}
	return offline.Manifest{Version: strings.TrimSpace(cfg.Cache.Version), URLs: urls}, nil
}

func originFor(cfg config.UpstreamConfig) (*url.URL, error) {
	raw := strings.TrimSpace(cfg.Origin)
	if raw == "" {
		return nil, nil
	}
	origin, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream origin: %w", err)
	}
	return origin, nil
}

func newUpstreamClient(cfg config.UpstreamConfig) *http.Client {
	return &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
}

func buildStorage(logger *slog.Logger, cfg config.StoreConfig) bucket.Storage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	if backend == "" || backend == "memory" {
		logger.Info("using memory bucket storage")
		return bucket.NewMemory()
	}

	compression, err := bucket.ParseCompression(cfg.Compression)
	if err != nil {
		logger.Warn("unsupported compression, storing uncompressed", slog.String("compression", cfg.Compression))
		compression = bucket.CompressionNone
	}
	codec, err := bucket.NewCodec(compression)
	if err != nil {
		logger.Error("snapshot codec initialization failed", slog.Any("error", err))
		logger.Info("falling back to memory storage")
		return bucket.NewMemory()
	}

	var storage bucket.Storage
	switch backend {
	case "redis":
		storage, err = bucket.NewRedis(bucket.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: bucket.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}, codec)
		if err == nil {
			logger.Info("using redis bucket storage", slog.String("address", cfg.Redis.Address), slog.String("compression", string(compression)))
		}
	case "sqlite":
		storage, err = bucket.NewSQLite(cfg.SQLite.Path, codec)
		if err == nil {
			logger.Info("using sqlite bucket storage", slog.String("path", cfg.SQLite.Path), slog.String("compression", string(compression)))
		}
	default:
		codec.Close()
		logger.Warn("unsupported storage backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return bucket.NewMemory()
	}
	if err != nil {
		codec.Close()
		logger.Error("bucket storage initialization failed", slog.String("backend", backend), slog.Any("error", err))
		logger.Info("falling back to memory storage")
		return bucket.NewMemory()
	}
	return storage
}
