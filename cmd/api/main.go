package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/store"
	"campaign-dialer/pkg/logger"
	"campaign-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	pool, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := store.NewPostgresStore(pool).Migrate(rootCtx); err != nil {
		return err
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	eng, err := buildEngine(cfg, pool, rdb, log)
	if err != nil {
		return err
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, cfg, authManager, eng)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)

	eng.manager.Start(ctx)
	g.Go(func() error { return eng.counters.Run(ctx) })

	// Loops do not survive a restart.
	if n, err := eng.runs.ResumeActiveRuns(ctx); err != nil {
		log.Error("resume running runs failed", "err", err)
	} else if n > 0 {
		log.Info("running runs resumed", "count", n)
	}

	jobs, err := scheduleJobs(ctx, cfg, eng, log)
	if err != nil {
		return err
	}
	jobs.Start()

	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", cfg.Provider.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		<-jobs.Stop().Done()
		if err := eng.manager.Stop(shutdownCtx); err != nil {
			log.Error("scheduler stop failed", "err", err)
		}
		// Counters still buffered are written before exit.
		eng.counters.Flush(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// scheduleJobs registers the periodic consistency sweep and scheduled-run activation.
func scheduleJobs(ctx context.Context, cfg config.Config, eng *engine, log *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(cfg.Monitor.SweepCron, func() {
		report, err := eng.monitor.Sweep(ctx, "")
		if err != nil {
			log.Error("consistency sweep failed", "err", err)
			return
		}
		if !report.Empty() {
			log.Info("consistency sweep", "report", report)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cfg.Scheduler.ActivationCron, func() {
		n, err := eng.runs.ActivateDueRuns(ctx)
		if err != nil {
			log.Error("scheduled run activation failed", "err", err)
		}
		if n > 0 {
			log.Info("scheduled runs activated", "count", n)
		}
	}); err != nil {
		return nil, err
	}
	return c, nil
}
