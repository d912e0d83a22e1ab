package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pixelmint/pixelmint/internal/analytics"
	"github.com/pixelmint/pixelmint/internal/api"
	"github.com/pixelmint/pixelmint/internal/artifact"
	"github.com/pixelmint/pixelmint/internal/auth"
	"github.com/pixelmint/pixelmint/internal/billing"
	"github.com/pixelmint/pixelmint/internal/config"
	"github.com/pixelmint/pixelmint/internal/generate"
	"github.com/pixelmint/pixelmint/internal/ledger"
	loggerPkg "github.com/pixelmint/pixelmint/internal/logger"
	"github.com/pixelmint/pixelmint/internal/ratelimit"
	"github.com/pixelmint/pixelmint/internal/storage"
	"github.com/pixelmint/pixelmint/internal/sweeper"
	"github.com/pixelmint/pixelmint/pkg/provider"
)

// Core holds every long-lived component, constructed once at process start
// and passed by reference; nothing here lives in package globals.
type Core struct {
	Logger       *zap.Logger
	DB           *gorm.DB
	Ledger       *ledger.Ledger
	Generations  *storage.GenerationStore
	Lots         *storage.LotStore
	Limiter      *ratelimit.Limiter
	Provider     *provider.Client
	Files        *artifact.FSStore
	Persister    *artifact.Persister
	Notifier     *analytics.Notifier
	Orchestrator *generate.Orchestrator
	Sweeper      *sweeper.Sweeper
	Webhooks     *billing.Processor
	Authorizer   *auth.Authorizer
}

func limiterClasses(cfg *config.Config) map[string]ratelimit.ClassConfig {
	classes := make(map[string]ratelimit.ClassConfig, len(cfg.Limits))
	for name, lim := range cfg.Limits {
		classes[name] = ratelimit.ClassConfig{
			Capacity:      lim.Capacity,
			Period:        time.Duration(lim.PeriodSeconds) * time.Second,
			MaxConcurrent: lim.MaxConcurrent,
			MaxRetries:    lim.MaxRetries,
		}
	}
	return classes
}

func generationKinds(cfg *config.Config) map[generate.Kind]generate.KindConfig {
	pollInterval := time.Duration(cfg.Polling.IntervalSeconds) * time.Second
	videoInterval := time.Duration(cfg.Polling.VideoIntervalSecs) * time.Second

	kinds := map[generate.Kind]generate.KindConfig{
		generate.KindTextToImage: {
			Cost:            cfg.Costs.TextToImage,
			LimiterClass:    provider.ClassImage,
			PollMaxAttempts: cfg.Polling.MaxAttempts,
			PollInterval:    pollInterval,
			Category:        "image",
		},
		generate.KindImageToImage: {
			Cost:            cfg.Costs.ImageToImage,
			LimiterClass:    provider.ClassImage,
			PollMaxAttempts: cfg.Polling.MaxAttempts,
			PollInterval:    pollInterval,
			Category:        "image",
		},
		generate.KindUpscale: {
			Cost:            cfg.Costs.Upscale,
			LimiterClass:    provider.ClassImage,
			PollMaxAttempts: cfg.Polling.MaxAttempts,
			PollInterval:    pollInterval,
			Category:        "image",
		},
		generate.KindVideo: {
			Cost:            cfg.Costs.Video,
			LimiterClass:    provider.ClassVideo,
			PollMaxAttempts: cfg.Polling.VideoMaxAttempts,
			PollInterval:    videoInterval,
			// Video jobs are long and expensive; debit up front and
			// refund on failure.
			Prepaid:  true,
			Category: "video",
		},
	}

	for kind, kc := range kinds {
		endpoint, ok := cfg.Provider.Endpoints[string(kind)]
		if !ok {
			delete(kinds, kind)
			continue
		}
		kc.Endpoint = endpoint
		kinds[kind] = kc
	}
	return kinds
}

// BuildCore wires every component from config.
func BuildCore(cfg *config.Config) (*Core, error) {
	logger, err := loggerPkg.InitLogger(cfg.LogConfig.Level, cfg.LogConfig.Format, cfg.LogConfig.File)
	if err != nil {
		return nil, fmt.Errorf("logger initialization failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database", zap.Error(err))
		return nil, err
	}

	limiter := ratelimit.New(limiterClasses(cfg), logger.Named("ratelimit"))

	providerClient, err := provider.NewClient(cfg.Provider.APIKey, limiter, logger.Named("provider"))
	if err != nil {
		return nil, err
	}

	files, err := artifact.NewFSStore(cfg.Artifacts.RootDir, cfg.Server.PublicBaseURL,
		[]byte(cfg.Artifacts.SigningKey), logger.Named("artifact"))
	if err != nil {
		return nil, err
	}
	persister := artifact.NewPersister(files, logger.Named("artifact"),
		artifact.WithSignedTTL(time.Duration(cfg.Artifacts.SignedURLTTLSecs)*time.Second),
		artifact.WithMaxDownloadBytes(cfg.Artifacts.MaxDownloadBytes),
		artifact.WithDownloadTimeout(time.Duration(cfg.Artifacts.DownloadTimeout)*time.Second),
	)

	creditLedger := ledger.New(db, logger.Named("ledger"))
	generations := storage.NewGenerationStore(db)
	lots := storage.NewLotStore(db)
	notifier := analytics.NewNotifier(logger.Named("analytics"))

	orchestrator := generate.NewOrchestrator(
		creditLedger, providerClient, persister, generations, notifier,
		generationKinds(cfg), logger.Named("generate"))

	return &Core{
		Logger:       logger,
		DB:           db,
		Ledger:       creditLedger,
		Generations:  generations,
		Lots:         lots,
		Limiter:      limiter,
		Provider:     providerClient,
		Files:        files,
		Persister:    persister,
		Notifier:     notifier,
		Orchestrator: orchestrator,
		Sweeper:      sweeper.New(lots, creditLedger, logger.Named("sweeper")),
		Webhooks:     billing.NewProcessor(creditLedger, lots, logger.Named("billing")),
		Authorizer:   auth.NewAuthorizer(cfg.Auth.AuthorizedUserIDs, cfg.Auth.AdminUserIDs),
	}, nil
}

// RunServer builds the core, starts the sweeper cron, and serves HTTP until
// interrupted.
func RunServer(cfg *config.Config, version, buildTime string) error {
	core, err := BuildCore(cfg)
	if err != nil {
		return err
	}
	defer core.Logger.Sync()
	defer core.Notifier.Close()

	core.Logger.Info("starting pixelmint",
		zap.String("version", version),
		zap.String("buildTime", buildTime),
		zap.String("listen", cfg.Server.ListenAddr))

	if err := core.Sweeper.Start(cfg.Sweeper.Schedule); err != nil {
		return err
	}
	defer core.Sweeper.Stop()

	server := api.NewServer(
		core.Orchestrator, core.Ledger, core.Generations, core.Persister,
		core.Files, core.Webhooks, core.Authorizer, core.Logger.Named("api"))

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-stop:
		core.Logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
