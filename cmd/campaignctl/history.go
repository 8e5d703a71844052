package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"campaign-dialer/internal/audit"
	"campaign-dialer/pkg/utils"
)

func newHistoryCmd(logFor func(*cobra.Command) *slog.Logger) *cobra.Command {
	var (
		dsn   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history RUN_ID",
		Short: "Print a run's lifecycle audit trail",
		Long:  "Prints the most recent audit events of a run, oldest first, one JSON object per line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := sweepDSN(dsn)
			if err != nil {
				return err
			}
			pool, err := utils.OpenPostgres(cmd.Context(), resolved, utils.PostgresPoolConfig{MaxConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()
			return printHistory(cmd, audit.NewService(audit.NewPostgresRepo(pool), logFor(cmd)), args[0], limit)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres connection string")
	cmd.Flags().IntVarP(&limit, "limit", "n", audit.DefaultHistoryLimit, "number of events to show")
	return cmd
}

func printHistory(cmd *cobra.Command, svc *audit.Service, runID string, limit int) error {
	evs, err := svc.History(cmd.Context(), runID, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range evs {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
