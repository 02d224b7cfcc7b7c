package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/mmk-ledger/internal/bootstrap"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/service"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 2 * time.Minute
	defaultListLimit        = 20
)

// withInfra runs fn with a signal-aware, time-bounded context and the
// requested connections, closing them afterwards.
func withInfra(
	cmdCtx *commandContext,
	timeout time.Duration,
	opts connectInfraOptions,
	fn func(ctx context.Context, in *infra) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in, err := connectInfra(&commandContext{
		Ctx:    ctx,
		Logger: cmdCtx.Logger,
		Config: cmdCtx.Config,
	}, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := in.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("close failed", "error", closeErr)
		}
	}()
	return fn(ctx, in)
}

type migrateOptions struct {
	Timeout time.Duration
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runMigrate(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}
	cmdCtx.Logger.Info("running ledger migrations", "store", cmdCtx.Config.Store.Driver)
	return withInfra(cmdCtx, opts.Timeout, connectInfraOptions{Migrate: true}, func(context.Context, *infra) error {
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

type importOptions struct {
	File       string
	CreatedBy  string
	NoDispatch bool
	Timeout    time.Duration
}

func parseImportFlags(args []string) (importOptions, error) {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := importOptions{}
	fs.StringVar(&opts.File, "file", "", "CSV file to import (required)")
	fs.StringVar(&opts.CreatedBy, "created-by", "", "created_by for rows that do not name one")
	fs.BoolVar(&opts.NoDispatch, "no-dispatch", false, "Insert only; leave records pending for the watchdog")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the import")

	if err := fs.Parse(args); err != nil {
		return importOptions{}, err
	}
	opts.File = strings.TrimSpace(opts.File)
	if opts.File == "" {
		return importOptions{}, errors.New("--file is required")
	}
	if opts.Timeout <= 0 {
		return importOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runImport(cmdCtx *commandContext, args []string) error {
	opts, err := parseImportFlags(args)
	if err != nil {
		return err
	}
	f, err := os.Open(opts.File)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	infraOpts := connectInfraOptions{WantDispatcher: !opts.NoDispatch}
	return withInfra(cmdCtx, opts.Timeout, infraOpts, func(ctx context.Context, in *infra) error {
		svc, err := in.ledger(cmdCtx)
		if err != nil {
			return err
		}
		res, err := svc.Import(ctx, f, opts.CreatedBy)
		if err != nil {
			return err
		}
		return printImportResult(cmdCtx.Out, res)
	})
}

func printImportResult(w io.Writer, res *model.BulkInsertResult) error {
	if err := writef(w, "Imported %d record(s); rejected %d row(s)\n", len(res.Valid), len(res.Invalid)); err != nil {
		return err
	}
	if len(res.Invalid) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ROW\tCODE\tFIELD\tERROR"); err != nil {
		return err
	}
	for _, f := range res.Invalid {
		// Rows are numbered from 1, after the header.
		if err := writef(tw, "%d\t%s\t%s\t%s\n", f.Index+1, f.Code, dash(f.Field), f.Error); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type reclaimOptions struct {
	JobTimeout  time.Duration
	MaxAttempts int
	BatchSize   int
	Timeout     time.Duration
}

func parseReclaimFlags(args []string, cmdCtx *commandContext) (reclaimOptions, error) {
	fs := flag.NewFlagSet("reclaim", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	cfg := cmdCtx.Config
	opts := reclaimOptions{}
	fs.DurationVar(&opts.JobTimeout, "job-timeout", cfg.Ledger.JobTimeout, "Records idle longer than this are stale")
	fs.IntVar(&opts.MaxAttempts, "max-attempts", cfg.Ledger.MaxAttempts, "Stale records at this attempt count are failed")
	fs.IntVar(&opts.BatchSize, "batch", cfg.Watchdog.BatchSize, "Maximum records to reclaim in this pass")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the pass")

	if err := fs.Parse(args); err != nil {
		return reclaimOptions{}, err
	}
	switch {
	case opts.JobTimeout <= 0:
		return reclaimOptions{}, errors.New("--job-timeout must be greater than zero")
	case opts.MaxAttempts < 1:
		return reclaimOptions{}, errors.New("--max-attempts must be at least 1")
	case opts.BatchSize < 1:
		return reclaimOptions{}, errors.New("--batch must be at least 1")
	case opts.Timeout <= 0:
		return reclaimOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runReclaim(cmdCtx *commandContext, args []string) error {
	opts, err := parseReclaimFlags(args, cmdCtx)
	if err != nil {
		return err
	}
	return withInfra(cmdCtx, opts.Timeout, connectInfraOptions{WantDispatcher: true}, func(ctx context.Context, in *infra) error {
		ledgerCfg := cmdCtx.Config.Ledger
		ledgerCfg.JobTimeout = opts.JobTimeout
		ledgerCfg.MaxAttempts = opts.MaxAttempts
		watchdogCfg := cmdCtx.Config.Watchdog
		watchdogCfg.BatchSize = opts.BatchSize

		runner, err := bootstrap.NewWatchdogRunner(bootstrap.WatchdogRunConfig{
			Repo:       in.store.Repo,
			Dispatcher: in.dispatcher,
			Logger:     cmdCtx.Logger,
			Ledger:     ledgerCfg,
			Watchdog:   watchdogCfg,
			WorkerID:   adminActor(),
		})
		if err != nil {
			return err
		}
		report, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printScanReport(cmdCtx.Out, report)
	})
}

func printScanReport(w io.Writer, r service.ScanReport) error {
	if r.Skipped {
		return writeln(w, "Another reclaim pass is in progress; nothing done.")
	}
	lines := []struct {
		label string
		ids   []string
	}{
		{"Reclaimed", r.Reclaimed},
		{"Failed (attempts exhausted)", r.Exhausted},
		{"Republish failed", r.PublishFailed},
	}
	for _, l := range lines {
		if err := writef(w, "%-28s %d\n", l.label+":", len(l.ids)); err != nil {
			return err
		}
		for _, id := range l.ids {
			if err := writef(w, "  %s\n", id); err != nil {
				return err
			}
		}
	}
	return writef(w, "%-28s %d\n", "Republished:", r.Republished)
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withInfra(cmdCtx, defaultCommandTimeout, connectInfraOptions{}, func(ctx context.Context, in *infra) error {
		stats, err := in.store.Repo.Stats(ctx)
		if err != nil {
			return err
		}
		return printStats(cmdCtx.Out, stats)
	})
}

func printStats(w io.Writer, stats model.LedgerStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	total := 0
	for _, status := range model.AllLedgerStatuses {
		n := stats[status]
		total += n
		if err := writef(tw, "%s\t%d\t\n", status, n); err != nil {
			return err
		}
	}
	if err := writef(tw, "total\t%d\t\n", total); err != nil {
		return err
	}
	return tw.Flush()
}

type listOptions struct {
	Statuses  string
	CreatedBy string
	EventType string
	Limit     int
	Offset    int
	JSON      bool
}

func parseListFlags(args []string) (listOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listOptions{}
	fs.StringVar(&opts.Statuses, "status", "", "Comma-separated statuses to include")
	fs.StringVar(&opts.CreatedBy, "created-by", "", "Only records created by this user")
	fs.StringVar(&opts.EventType, "event-type", "", "Only records of this event type")
	fs.IntVar(&opts.Limit, "limit", defaultListLimit, "Maximum records to show")
	fs.IntVar(&opts.Offset, "offset", 0, "Records to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print records as JSON lines")

	if err := fs.Parse(args); err != nil {
		return listOptions{}, err
	}
	if opts.Limit < 1 {
		return listOptions{}, errors.New("--limit must be at least 1")
	}
	if opts.Offset < 0 {
		return listOptions{}, errors.New("--offset must not be negative")
	}
	return opts, nil
}

func (o listOptions) filter() (model.RecordFilter, error) {
	f := model.RecordFilter{
		EventType: strings.TrimSpace(o.EventType),
		Limit:     o.Limit,
		Offset:    o.Offset,
	}
	for part := range strings.SplitSeq(o.Statuses, ",") {
		if s := strings.TrimSpace(part); s != "" {
			f.Statuses = append(f.Statuses, model.LedgerStatus(strings.ToLower(s)))
		}
	}
	if u := strings.TrimSpace(o.CreatedBy); u != "" {
		f.CreatedBy = &u
	}
	return f, f.Validate()
}

func runList(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags(args)
	if err != nil {
		return err
	}
	filter, err := opts.filter()
	if err != nil {
		return err
	}
	return withInfra(cmdCtx, defaultCommandTimeout, connectInfraOptions{}, func(ctx context.Context, in *infra) error {
		recs, err := in.store.Repo.List(ctx, filter)
		if err != nil {
			return err
		}
		if opts.JSON {
			enc := json.NewEncoder(cmdCtx.Out)
			for _, r := range recs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		}
		return printRecords(cmdCtx.Out, recs)
	})
}

func printRecords(w io.Writer, recs []*model.JobRecord) error {
	if len(recs) == 0 {
		return writeln(w, "No records.")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "ID\tSTATUS\tEVENT\tATTEMPTS\tCREATED_BY\tUPDATED"); err != nil {
		return err
	}
	for _, r := range recs {
		if err := writef(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Status, r.EventType, r.Attempts, dash(r.CreatedBy),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type deleteOptions struct {
	ID  string
	Yes bool
}

func parseDeleteFlags(args []string) (deleteOptions, error) {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := deleteOptions{}
	fs.StringVar(&opts.ID, "id", "", "Record id (required)")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return deleteOptions{}, err
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return deleteOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func runDelete(cmdCtx *commandContext, args []string) error {
	opts, err := parseDeleteFlags(args)
	if err != nil {
		return err
	}
	if !opts.Yes {
		if err := confirm(cmdCtx, fmt.Sprintf("Delete record %s?", opts.ID)); err != nil {
			return err
		}
	}
	return withInfra(cmdCtx, defaultCommandTimeout, connectInfraOptions{}, func(ctx context.Context, in *infra) error {
		svc, err := in.ledger(cmdCtx)
		if err != nil {
			return err
		}
		if err := svc.Delete(ctx, opts.ID); err != nil {
			return err
		}
		return writef(cmdCtx.Out, "Deleted %s\n", opts.ID)
	})
}

var errAborted = errors.New("aborted by user")

func confirm(cmdCtx *commandContext, question string) error {
	if err := writef(cmdCtx.Out, "%s [y/N]: ", question); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(cmdCtx.In).ReadString('\n')
	if err != nil && resp == "" {
		return errAborted
	}
	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "y", "yes":
		return nil
	default:
		return errAborted
	}
}
