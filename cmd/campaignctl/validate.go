package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/store"
)

type validateReport struct {
	File           string                 `json:"file"`
	Stats          ingest.Stats           `json:"stats"`
	InvalidRows    []ingest.InvalidRow    `json:"invalid_rows,omitempty"`
	ColumnMappings []ingest.ColumnMapping `json:"column_mappings"`
}

func newValidateCmd(logFor func(*cobra.Command) *slog.Logger) *cobra.Command {
	var (
		schemaPath string
		maxAge     int
	)

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a call-list upload without storing anything",
		Long:  "Parses a CSV or XLSX upload, matches its columns against the schema (auto-detected when --schema is not given) and prints row statistics as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, logFor(cmd), args[0], schemaPath, maxAge)
		},
	}

	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "path to a field schema (YAML or JSON)")
	cmd.Flags().IntVar(&maxAge, "max-birth-age", ingest.DefaultMaxBirthAge, "oldest plausible age when resolving two-digit birth years")
	return cmd
}

func runValidate(cmd *cobra.Command, log *slog.Logger, path, schemaPath string, maxAge int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}

	var schema *ingest.Schema
	if schemaPath != "" {
		raw, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		if schema, err = ingest.ParseSchema(raw); err != nil {
			return err
		}
	}

	// Nothing is persisted: an empty store means every contact counts as new.
	birth := ingest.DefaultBirthYearPolicy()
	birth.MaxAge = maxAge
	pipeline := ingest.NewPipeline(contacts.NewResolver(store.NewMemoryStore()), nil, ingest.Options{
		BirthYears: birth,
		Logger:     log,
	})

	res, err := pipeline.Ingest(cmd.Context(), ingest.Input{
		Data:     data,
		FileName: filepath.Base(path),
		Schema:   schema,
		OrgID:    "offline",
		Mode:     ingest.ModeValidate,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(validateReport{
		File:           filepath.Base(path),
		Stats:          res.Stats,
		InvalidRows:    res.InvalidRows,
		ColumnMappings: res.ColumnMappings,
	})
}
