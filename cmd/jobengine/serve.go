package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sangamhq/jobengine/config"
	"github.com/sangamhq/jobengine/db"
	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/executor"
	"github.com/sangamhq/jobengine/logger"
	"github.com/sangamhq/jobengine/scheduler"
	"github.com/sangamhq/jobengine/server"
	"github.com/sangamhq/jobengine/store"
	"github.com/sangamhq/jobengine/template"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Initialize(jsonLogs || cfg.Logging.JSON, debugFlag || cfg.Logging.Debug); err != nil {
		return err
	}
	log := logger.Logger
	log.Infow("Starting jobengine", "version", Version, "database", cfg.Database.Path)

	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close()

	catalog := template.NewCatalog()
	if err := template.RegisterBuiltins(catalog, template.BuiltinOptions{
		ExportDir:  cfg.Storage.ExportDir,
		BackupDir:  cfg.Storage.BackupDir,
		HTTPClient: &http.Client{},
	}); err != nil {
		return err
	}

	st := store.New(database, catalog, logger.Named("store"))
	exec := executor.New(st, catalog, database, logger.Named("executor"))
	sched := scheduler.New(st, exec, logger.Named("scheduler"), scheduler.Options{
		PollInterval:      cfg.Scheduler.PollInterval(),
		BatchLimit:        cfg.Scheduler.BatchLimit,
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		DispatchPerSecond: cfg.Scheduler.DispatchPerSecond,
	})

	// Execution history retention runs as a static job: it has no
	// definition row and no audit trail of its own.
	retention := cfg.Retention.ExecutionDays
	if retention > 0 {
		err := sched.AddStaticJob("execution-history-retention", 24*time.Hour, func(ctx context.Context) error {
			cutoff := time.Now().UTC().AddDate(0, 0, -retention)
			_, err := st.PruneExecutions(ctx, cutoff)
			return err
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := server.New(cfg.Server.ListenAddr, st, catalog, sched, logger.Named("server"))
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
	case err := <-serverErr:
		log.Errorw("Admin API failed", "error", err)
		sched.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Admin API shutdown incomplete", "error", err)
	}

	sched.Stop()
	log.Infow("jobengine stopped")
	return nil
}
