package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/massimiliano76/AltStore/internal/api"
	"github.com/massimiliano76/AltStore/internal/app/budget"
	"github.com/massimiliano76/AltStore/internal/app/notify"
	"github.com/massimiliano76/AltStore/internal/app/orchestration"
	"github.com/massimiliano76/AltStore/internal/config"
	"github.com/massimiliano76/AltStore/internal/config/fileloader"
	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/internal/infra/catalog"
	"github.com/massimiliano76/AltStore/internal/infra/discovery"
	"github.com/massimiliano76/AltStore/internal/infra/installer"
	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/internal/infra/liveness/transports"
	"github.com/massimiliano76/AltStore/internal/infra/notifycenter"
	"github.com/massimiliano76/AltStore/internal/infra/storage"
	"github.com/massimiliano76/AltStore/internal/infra/storage/memory"
	"github.com/massimiliano76/AltStore/internal/infra/storage/postgres"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/otel"
)

const serviceName = "refreshd"

// appStore is the repository surface the daemon needs on top of
// refresh.AppRepository.
type appStore interface {
	refresh.AppRepository
	UpsertApp(ctx context.Context, app refresh.InstalledApp) error
}

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("REFRESHD_CONFIG"), "path to the configuration file")
	foreground := flag.Bool("foreground", false, "start in the foreground")
	flag.Parse()

	os.Exit(run(*configPath, *foreground))
}

func run(configPath string, foreground bool) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	log := newLogger(cfg)

	tp, mp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
		},
		InsecureExporter: true, // TODO: Expose TLS settings for the OTLP exporter.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return 1
	}
	defer telemetryTeardown(context.WithoutCancel(ctx))

	tracer := tp.Tracer(serviceName)

	repo, closeRepo, err := openRepository(ctx, cfg, tracer)
	if err != nil {
		log.Error(ctx, "failed to open app repository", "error", err)
		return 1
	}
	defer closeRepo()

	if cfg.Storage.SeedFile != "" {
		if err := seed(ctx, repo, cfg.Storage.SeedFile); err != nil {
			log.Error(ctx, "failed to seed app repository", "error", err)
			return 1
		}
	}

	transport, err := transports.Open(cfg.Liveness, nil, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to open liveness transport", "error", err)
		return 1
	}
	probes, err := liveness.NewChannel(ctx, transport, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to start liveness channel", "error", err)
		return 1
	}
	defer probes.Close()

	if len(cfg.Liveness.Respond) > 0 {
		responder := probes.Respond(ctx, cfg.Liveness.Respond)
		defer responder.Cancel()
	}

	servers := make([]refresh.Server, 0, len(cfg.Discovery.Servers))
	for _, s := range cfg.Discovery.Servers {
		servers = append(servers, refresh.Server{ID: s.ID, Address: s.Address})
	}
	disc := discovery.NewDiscoverer(discovery.Config{
		Servers:     servers,
		DialTimeout: cfg.Discovery.DialTimeout,
		Interval:    cfg.Discovery.Interval,
	}, log, tracer)
	defer disc.StopDiscovering()

	fetcher := catalog.NewFetcher(catalog.Config{
		URL:        cfg.Catalog.URL,
		Timeout:    cfg.Catalog.Timeout,
		MaxRetries: cfg.Catalog.MaxRetries,
	}, nil, log, tracer)

	inst := installer.NewInstaller(installer.Config{
		SelfAppID:         cfg.SelfAppID,
		Timeout:           cfg.Installer.Timeout,
		MaxRetries:        cfg.Installer.MaxRetries,
		RequestsPerSecond: cfg.Installer.RequestsPerSecond,
	}, catalog.NewHTTPClient(0), disc, repo, log, tracer)

	center := notifycenter.New(notifycenter.LogPresenter{Logger: log.With("component", "notifications")}, nil)
	defer center.Close()
	scheduler := notify.NewScheduler(center, cfg.TimeUnit, log, tracer)
	defer scheduler.Stop()

	budgets := budget.NewManager(budget.Config{
		MaxDuration:   cfg.Budget.MaxDuration,
		GrantsPerHour: cfg.Budget.GrantsPerHour,
		Burst:         cfg.Budget.Burst,
	}, log, tracer)

	lifecycle := orchestration.NewLifecycle(disc, log)

	metrics, err := orchestration.NewOrchestrationMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create orchestration metrics", "error", err)
		return 1
	}

	exitCode := 0
	orchCfg := orchestration.Config{
		TimeUnit:          cfg.TimeUnit,
		ProbeWindow:       cfg.ProbeWindow(),
		NotificationDelay: cfg.NotificationDelay(),
		SelfAppID:         cfg.SelfAppID,
		ExitInBackground:  cfg.ExitInBackground,
		ProbeConcurrency:  8,
	}
	orch := orchestration.NewOrchestrator(
		orchCfg, repo, disc, fetcher, inst, probes, budgets, scheduler, lifecycle, log, metrics, tracer,
		orchestration.WithExit(func(code int) {
			// Pending notifications live in this process; deliver them first.
			flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.TimeUnit)
			defer flushCancel()
			if err := center.Flush(flushCtx); err != nil {
				log.Warn(ctx, "exiting with undelivered notifications", "pending", len(center.Pending()))
			}
			exitCode = code
			cancel()
		}),
	)

	log.Info(ctx, "Starting refresh daemon",
		"liveness_transport", string(cfg.Liveness.Transport),
		"fetch_interval", cfg.FetchInterval.String(),
		"time_unit", cfg.TimeUnit.String(),
	)
	lifecycle.Launch(ctx, foreground)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return triggerLoop(gctx, cfg, orch, lifecycle, log)
	})
	if cfg.API.Addr != "" {
		server := api.NewServer(cfg.API.Addr, orch, lifecycle, center, log, tracer)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "refresh daemon stopped", "error", err)
		return 1
	}
	log.Info(ctx, "Refresh daemon stopped")
	return exitCode
}

// triggerLoop starts a background fetch every fetch interval and on SIGUSR1.
// SIGUSR2 toggles between foreground and background.
func triggerLoop(
	ctx context.Context,
	cfg *config.Config,
	orch *orchestration.Orchestrator,
	lifecycle *orchestration.Lifecycle,
	log *logger.Logger,
) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(cfg.FetchInterval)
	defer ticker.Stop()

	fetch := func(isLaunch bool) {
		_, err := orch.Run(ctx, orchestration.RunOptions{
			IsLaunch: isLaunch,
			OnFetchResult: func(result refresh.FetchResult) {
				log.Info(ctx, "Background fetch result", "result", result.String())
			},
		})
		if err != nil {
			log.Warn(ctx, "background fetch failed", "error", err)
		}
	}

	if cfg.RefreshOnLaunch {
		fetch(true)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fetch(false)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				fetch(false)
			case syscall.SIGUSR2:
				lifecycle.Toggle(ctx)
			}
		}
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	hostname, _ := os.Hostname()

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname": hostname,
		"app":      serviceName,
	}
	return logger.NewWithMetadata(os.Stdout, parseLevel(cfg.LogLevel), serviceName, otel.GetTraceID, logEvents, metadata)
}

func parseLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func openRepository(ctx context.Context, cfg *config.Config, tracer trace.Tracer) (appStore, func(), error) {
	if cfg.Storage.DSN == "" {
		return memory.NewRepository(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Storage.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := storage.Migrate(pool, cfg.Storage.Migrations); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.NewAppStore(pool, tracer), pool.Close, nil
}

func seed(ctx context.Context, repo appStore, path string) error {
	apps, err := memory.LoadSeedFile(path)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if err := repo.UpsertApp(ctx, app); err != nil {
			return fmt.Errorf("failed to store %s: %w", app.BundleID, err)
		}
	}
	return nil
}
