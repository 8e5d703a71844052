package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"campaign-dialer/internal/config"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/monitor"
	"campaign-dialer/internal/store"
	"campaign-dialer/pkg/utils"
)

func newSweepCmd(logFor func(*cobra.Command) *slog.Logger) *cobra.Command {
	var (
		runID string
		dsn   string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one consistency sweep against the database",
		Long:  "Reconciles calls whose status webhook was missed and resets or fails rows stuck in calling. Without --run every running run is swept. The DSN comes from --dsn, DIALER_DSN, or the API's DB_* environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, logFor(cmd), runID, dsn)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "sweep only this run")
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres connection string")
	return cmd
}

func sweepDSN(flag string) (string, error) {
	if dsn := strings.TrimSpace(flag); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(os.Getenv("DIALER_DSN")); dsn != "" {
		return dsn, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.PostgresDSN(), nil
}

func runSweep(cmd *cobra.Command, log *slog.Logger, runID, dsnFlag string) error {
	dsn, err := sweepDSN(dsnFlag)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	pool, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPoolConfig{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	counters := events.NewDebouncer(st, nil, 0, log)
	rep, err := monitor.New(st, counters, nil, monitor.Options{}, log).Sweep(ctx, runID)
	// Counter deltas are written even when the sweep stopped part way.
	counters.Flush(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
