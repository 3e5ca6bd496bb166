// Command stockctl runs operational stock tasks: reconciliation checks,
// sequence maintenance and job management.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stockline/stockline/cmd/stockctl/cli"
	"github.com/stockline/stockline/internal/app"
)

const usage = `usage: stockctl <command> [flags]

commands:
  reconcile  --business ID --variation ID --location ID [--json]
  sweep      --business ID [--location ID] [--json]
  sequence   next|reset --business ID --location ID [--series S] [--date YYYY-MM-DD] [--prefix P] [--value N] [--actor ID]
  jobs       trigger <stock:reconcile_sweep|stock:idempotency_cleanup> [--business ID] [--location ID] [--retention D]
  jobs       inspect [--scheduled N]
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping stockctl")
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch args[0] {
	case "reconcile", "sweep", "sequence":
		services, err := app.NewServices(ctx, cfg, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "init services: %v\n", err)
			return 1
		}
		defer services.Close(logger)
		switch args[0] {
		case "reconcile":
			return reconcileCmd(ctx, services, args[1:], stdout, stderr)
		case "sweep":
			return sweepCmd(ctx, services, args[1:], stdout, stderr)
		default:
			return sequenceCmd(ctx, services, args[1:], stdout, stderr)
		}
	case "jobs":
		return jobsCmd(ctx, cfg.RedisAddr, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}

func reconcileCmd(ctx context.Context, services *app.Services, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cli.ReconcileOptions{Stdout: stdout, Stderr: stderr}
	fs.Int64Var(&opts.BusinessID, "business", 0, "business id")
	fs.Int64Var(&opts.VariationID, "variation", 0, "product variation id")
	fs.Int64Var(&opts.LocationID, "location", 0, "location id")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	c, err := cli.NewReconcileCLI(services.Reconcile)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return c.ReconcileCommand(ctx, opts)
}

func sweepCmd(ctx context.Context, services *app.Services, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cli.SweepOptions{Stdout: stdout, Stderr: stderr}
	fs.Int64Var(&opts.BusinessID, "business", 0, "business id")
	fs.Int64Var(&opts.LocationID, "location", 0, "limit to one location")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	c, err := cli.NewReconcileCLI(services.Reconcile)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return c.SweepCommand(ctx, opts)
}

func sequenceCmd(ctx context.Context, services *app.Services, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("sequence "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := cli.SequenceOptions{Stdout: stdout, Stderr: stderr}
	fs.Int64Var(&opts.BusinessID, "business", 0, "business id")
	fs.Int64Var(&opts.LocationID, "location", 0, "location id")
	fs.StringVar(&opts.Series, "series", "", "counter series")
	fs.StringVar(&opts.Date, "date", "", "scope date, defaults to today (UTC)")
	fs.StringVar(&opts.Prefix, "prefix", "", "format the number with this prefix")
	fs.Int64Var(&opts.Value, "value", 0, "reset value")
	fs.Int64Var(&opts.ActorID, "actor", 0, "actor recorded in the audit log")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	c, err := cli.NewSequenceCLI(services.Sequence)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	switch args[0] {
	case "next":
		return c.NextCommand(ctx, opts)
	case "reset":
		return c.ResetCommand(ctx, opts)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}

func jobsCmd(ctx context.Context, redisAddr string, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(redisAddr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprint(stderr, usage)
			return 2
		}
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		fs.SetOutput(stderr)
		var opts cli.TriggerOptions
		fs.Int64Var(&opts.BusinessID, "business", 0, "business id, zero sweeps every business")
		fs.Int64Var(&opts.LocationID, "location", 0, "location id")
		fs.DurationVar(&opts.Retention, "retention", 7*24*time.Hour, "idempotency key retention")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], opts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on queue %s\n", info.Type, info.ID, info.Queue)
		return 0
	case "inspect":
		fs := flag.NewFlagSet("jobs inspect", flag.ContinueOnError)
		fs.SetOutput(stderr)
		scheduled := fs.Int("scheduled", 0, "also list this many scheduled tasks")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs inspect: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(stats)
		if *scheduled > 0 {
			tasks, err := jobsCLI.ListScheduled(ctx, *scheduled)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "jobs inspect: %v\n", err)
				return 1
			}
			for _, t := range tasks {
				_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format(time.RFC3339))
			}
		}
		return 0
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
}
