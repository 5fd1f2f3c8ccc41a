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

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/docjobs/internal/backend"
	"github.com/MimeLyc/docjobs/internal/config"
	"github.com/MimeLyc/docjobs/internal/httpapi"
	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/internal/persistence"
	"github.com/MimeLyc/docjobs/internal/service"
	"github.com/MimeLyc/docjobs/internal/storage"
	"github.com/MimeLyc/docjobs/pkg/icron"
	"github.com/MimeLyc/docjobs/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronRunner interface {
	Start()
	Stop() context.Context
}

type jobEngine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

type components struct {
	janitor scheduler
	cron    cronRunner
	engine  jobEngine
	http    httpServer
	closers []func() error
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	logger := log.InitLogger(log.Config{
		Level:       log.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		ServiceName: "docjobs",
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := build(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialise: %v", err)
	}
	defer func() {
		for _, closeFn := range comps.closers {
			if err := closeFn(); err != nil {
				log.Warn("Close failed: %v", err)
			}
		}
	}()

	if err := runWithComponents(ctx, cfg, comps); err != nil {
		log.Error("Exited with error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers the persisted runtime settings over the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadRuntimeSettingsFile(cfg.RuntimeSettingsFilePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	return config.Load(path, config.WithRuntimeSettings(settings))
}

func build(ctx context.Context, cfg *config.Config) (*components, error) {
	storeOpts := []jobs.StoreOption{jobs.WithRetention(
		cfg.Retention.RawTTL,
		cfg.Retention.ArtifactTTL,
		cfg.Retention.TombstoneTTL,
	)}
	workerOpts := []jobs.WorkerOption{
		jobs.WithHeartbeatInterval(cfg.Supervisor.HeartbeatInterval),
		jobs.WithGraceDelay(cfg.Supervisor.GraceDelay),
	}
	if cfg.ObjectStore.Enabled() {
		mirror, err := newArtifactMirror(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		workerOpts = append(workerOpts, jobs.WithArtifactSink(mirror))
		storeOpts = append(storeOpts, jobs.WithExpiryHook(func(ctx context.Context, jobID string) {
			if err := mirror.Remove(ctx, jobID); err != nil {
				log.Warn("Failed to remove mirrored objects of %s: %v", jobID, err)
			}
		}))
		log.Info("Mirroring artifacts to bucket %s", cfg.ObjectStore.Bucket)
	}

	store, err := jobs.NewFileStore(cfg.Storage.DataDir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	index, err := persistence.NewSQLiteStore(cfg.DBPath(),
		persistence.WithIdempotencyTTL(cfg.Retention.IdempotencyTTL))
	if err != nil {
		return nil, fmt.Errorf("open idempotency index: %w", err)
	}
	comps := &components{closers: []func() error{index.Close}}

	registry := backend.NewRegistry()
	registry.Register(backend.PassthroughName, backend.NewPassthrough())
	if cfg.Backend.RemoteURL != "" {
		remote, err := backend.NewRemote(backend.RemoteConfig{
			BaseURL: cfg.Backend.RemoteURL,
			APIKey:  cfg.Backend.RemoteAPIKey,
			Timeout: cfg.Backend.RemoteTimeout,
		})
		if err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("configure remote backend: %w", err)
		}
		registry.Register(backend.RemoteName, remote)
	}
	log.Info("Conversion backends: %v", registry.Names())

	worker := jobs.NewWorker(store, registry, workerOpts...)
	supervisor := jobs.NewSupervisor(store, worker,
		jobs.WithMaxWorkers(cfg.Supervisor.MaxWorkers),
		jobs.WithPollInterval(cfg.Supervisor.PollInterval),
		jobs.WithRecoveryStaleAfter(cfg.Supervisor.RecoveryStaleAfter),
	)
	comps.engine = supervisor

	svc := service.New(store, index,
		service.WithWaker(supervisor),
		service.WithBackendCatalog(registry),
		service.WithWait(0, cfg.Server.MaxWait),
		service.WithMaxPayloadBytes(cfg.Server.MaxPayloadBytes),
	)

	cronEngine := icron.NewCron()
	comps.cron = cronEngine
	comps.janitor = service.NewJanitor(index, cronEngine, cfg.Janitor.Cron)

	settings, err := config.NewRuntimeSettingsStore(cfg.RuntimeSettingsFilePath(), cfg.RuntimeSettings())
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("runtime settings: %w", err)
	}

	comps.http = httpapi.NewServer(svc,
		httpapi.WithMode(cfg.Server.Mode),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxPayloadBytes+1<<20),
		httpapi.WithSubmitRateLimit(cfg.Server.SubmitRateLimit, cfg.Server.SubmitBurst),
		httpapi.WithSupervisorState(func() string { return string(supervisor.State()) }),
		httpapi.WithRuntimeSettingsStore(settings),
		httpapi.WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
			log.GetLogger().SetLevel(log.ParseLevel(next.LogLevel))
			log.Info("Runtime settings updated: log_level=%s janitor_cron=%q (cron applies on restart)",
				next.LogLevel, next.JanitorCron)
			return nil
		}),
	)
	return comps, nil
}

func newArtifactMirror(ctx context.Context, cfg config.ObjectStoreConfig) (*storage.Mirror, error) {
	s3, err := storage.NewS3Storage(ctx, &storage.S3Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		Prefix:    cfg.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("configure object storage: %w", err)
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return storage.NewMirror(s3, cfg.Prefix), nil
}

// runWithComponents starts every component and blocks until ctx is done or
// the HTTP server fails, then shuts everything down within the configured
// timeout. Jobs still running at the deadline are left for recovery.
func runWithComponents(ctx context.Context, cfg *config.Config, comps *components) error {
	if err := comps.janitor.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	comps.cron.Start()

	if err := comps.engine.Start(ctx); err != nil {
		<-comps.cron.Stop().Done()
		return fmt.Errorf("start supervisor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening on %s", cfg.Server.Addr)
		if err := comps.http.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Supervisor.ShutdownTimeout)
		defer cancel()

		if err := comps.http.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown: %v", err)
		}
		if err := comps.engine.Stop(shutdownCtx); err != nil {
			log.Warn("Supervisor did not drain in time, running jobs will be recovered on next start: %v", err)
		}
		select {
		case <-comps.cron.Stop().Done():
		case <-shutdownCtx.Done():
		}
		return nil
	})
	return g.Wait()
}
