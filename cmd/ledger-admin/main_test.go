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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/service"
)

func newSQLiteCommandContext(t *testing.T) (*commandContext, *bytes.Buffer) {
	t.Helper()
	var cfg config.AppConfig
	cfg.Store.Driver = config.StoreDriverSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Dispatch.Driver = config.DispatchDriverMemory
	cfg.Ledger = config.LedgerConfig{MaxAttempts: 3, JobTimeout: time.Minute}
	cfg.Watchdog.BatchSize = 100

	out := &bytes.Buffer{}
	return &commandContext{
		Ctx:    context.Background(),
		Logger: slog.New(slog.DiscardHandler),
		Config: cfg,
		Out:    out,
		In:     strings.NewReader(""),
	}, out
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestImportStatsListDelete(t *testing.T) {
	cmdCtx, out := newSQLiteCommandContext(t)

	path := writeCSV(t, "message,user\nhello,alice\nhi there,bob\n")
	require.NoError(t, runImport(cmdCtx, []string{"-file", path, "-no-dispatch"}))
	assert.Contains(t, out.String(), "Imported 2 record(s); rejected 0 row(s)")

	out.Reset()
	require.NoError(t, runStats(cmdCtx, nil))
	assert.Regexp(t, `pending\s+2`, out.String())
	assert.Regexp(t, `total\s+2`, out.String())

	out.Reset()
	require.NoError(t, runList(cmdCtx, []string{"-json", "-created-by", "alice"}))
	var rec model.JobRecord
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &rec))
	assert.Equal(t, "alice", rec.CreatedBy)
	assert.Equal(t, model.LedgerStatusPending, rec.Status)

	cmdCtx.In = strings.NewReader("n\n")
	require.ErrorIs(t, runDelete(cmdCtx, []string{"-id", rec.ID}), errAborted)

	out.Reset()
	cmdCtx.In = strings.NewReader("yes\n")
	require.NoError(t, runDelete(cmdCtx, []string{"-id", rec.ID}))
	assert.Contains(t, out.String(), "Deleted "+rec.ID)

	out.Reset()
	require.NoError(t, runList(cmdCtx, []string{"-status", "pending"}))
	assert.Contains(t, out.String(), "bob")
	assert.NotContains(t, out.String(), rec.ID)
}

func TestImport_ReportsRejectedRows(t *testing.T) {
	cmdCtx, out := newSQLiteCommandContext(t)
	path := writeCSV(t, "event_type,input\n"+
		"chat,\"{\"\"message\"\":\"\"ok\"\"}\"\n"+
		",\"{\"\"message\"\":\"\"no type\"\"}\"\n")

	require.NoError(t, runImport(cmdCtx, []string{"-file", path, "-no-dispatch", "-created-by", "ops"}))
	assert.Contains(t, out.String(), "Imported 1 record(s); rejected 1 row(s)")
	assert.Regexp(t, `\n2\s+validation\s+event_type`, out.String())
}

func TestReclaim_RejectsMemoryDispatch(t *testing.T) {
	cmdCtx, _ := newSQLiteCommandContext(t)
	require.ErrorIs(t, runReclaim(cmdCtx, nil), errMemoryDispatch)
}

func TestParseFlags(t *testing.T) {
	_, err := parseImportFlags(nil)
	require.ErrorContains(t, err, "--file")

	_, err = parseDeleteFlags([]string{"-yes"})
	require.ErrorContains(t, err, "--id")

	_, err = parseListFlags([]string{"-limit", "0"})
	require.Error(t, err)

	_, err = parseMigrateFlags([]string{"-timeout", "0s"})
	require.Error(t, err)

	cmdCtx, _ := newSQLiteCommandContext(t)
	opts, err := parseReclaimFlags([]string{"-batch", "7"}, cmdCtx)
	require.NoError(t, err)
	assert.Equal(t, 7, opts.BatchSize)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, time.Minute, opts.JobTimeout)
}

func TestListOptionsFilter(t *testing.T) {
	f, err := listOptions{Statuses: "Pending, failed", CreatedBy: " carol ", Limit: 5}.filter()
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerStatus{model.LedgerStatusPending, model.LedgerStatusFailed}, f.Statuses)
	require.NotNil(t, f.CreatedBy)
	assert.Equal(t, "carol", *f.CreatedBy)

	_, err = listOptions{Statuses: "lost", Limit: 5}.filter()
	require.Error(t, err)
}

func TestPrintScanReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printScanReport(&buf, service.ScanReport{
		Reclaimed:     []string{"a", "b"},
		Exhausted:     []string{"c"},
		Republished:   1,
		PublishFailed: []string{"b"},
	}))
	out := buf.String()
	assert.Contains(t, out, "Reclaimed:                   2\n  a\n  b\n")
	assert.Contains(t, out, "Failed (attempts exhausted): 1\n  c\n")
	assert.Contains(t, out, "Republished:                 1\n")

	buf.Reset()
	require.NoError(t, printScanReport(&buf, service.ScanReport{Skipped: true}))
	assert.Contains(t, buf.String(), "nothing done")
}

func TestPrintUsageListsCommands(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printUsage(&buf))
	for name := range commands() {
		assert.Contains(t, buf.String(), name)
	}
}
