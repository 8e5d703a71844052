package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/audit"
	"campaign-dialer/pkg/logger"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	if !strings.Contains(out, "campaignctl dev") {
		t.Errorf("expected output to contain 'campaignctl dev', got: %s", out)
	}
}

func TestValidateCmd_AutoDetectsColumns(t *testing.T) {
	path := writeFile(t, "list.csv", "First,Last,DOB,Phone\n"+
		"Ann,Lee,01/15/1946,555-123-4567\n"+
		"ANN,LEE,1/15/1946,(555) 123-4567\n"+
		"Bob,Ray,02/03/1970,\n")

	out, err := runCLI(t, "validate", path)
	require.NoError(t, err)

	var rep validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	assert.Equal(t, "list.csv", rep.File)
	assert.Equal(t, 3, rep.Stats.TotalRows)
	assert.Equal(t, 2, rep.Stats.ValidRows)
	assert.Equal(t, 1, rep.Stats.DuplicatePatients)
	require.Len(t, rep.InvalidRows, 1)
	assert.Equal(t, 3, rep.InvalidRows[0].SourceRow)
}

func TestValidateCmd_UsesSchemaFile(t *testing.T) {
	schema := writeFile(t, "schema.yaml", `fields:
  - key: primaryPhone
    label: Mobile
    kind: phone
    required: true
  - key: firstName
    label: Given
`)
	path := writeFile(t, "list.csv", "Given,Mobile\nAnn,5551230001\nBob,\n")

	out, err := runCLI(t, "validate", path, "--schema", schema)
	require.NoError(t, err)

	var rep validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	assert.Equal(t, 1, rep.Stats.ValidRows)
	require.Len(t, rep.InvalidRows, 1)
	assert.Equal(t, []string{"missing required field Mobile"}, rep.InvalidRows[0].Reasons)
}

func TestValidateCmd_Errors(t *testing.T) {
	_, err := runCLI(t, "validate")
	assert.Error(t, err)

	_, err = runCLI(t, "validate", filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read upload")

	bad := writeFile(t, "schema.yaml", "fields:\n  - label: No key\n")
	path := writeFile(t, "list.csv", "Phone\n5551230001\n")
	_, err = runCLI(t, "validate", path, "--schema", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no key")
}

func TestSweepDSN_PrefersFlagThenEnv(t *testing.T) {
	t.Setenv("DIALER_DSN", "postgres://env")
	dsn, err := sweepDSN(" postgres://flag ")
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag", dsn)

	dsn, err = sweepDSN("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", dsn)
}

func TestPrintHistory_OneEventPerLine(t *testing.T) {
	repo := audit.NewMemoryRepo()
	svc := audit.NewService(repo, logger.Discard())
	ctx := context.Background()
	svc.LogRunTransition(ctx, "org-1", "run-1", audit.SystemActor, "ready", "running", "")
	svc.LogRunTransition(ctx, "org-1", "run-1", audit.SystemActor, "running", "completed", "")

	cmd := newHistoryCmd(func(*cobra.Command) *slog.Logger { return logger.Discard() })
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetContext(ctx)
	require.NoError(t, printHistory(cmd, svc, "run-1", 0))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var last audit.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, "completed", last.ToStatus)
}
