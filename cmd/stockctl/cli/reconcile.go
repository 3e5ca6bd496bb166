package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/reconcile"
)

// ExitDrift is returned when a check found drift.
const ExitDrift = 10

// Reconciler is the slice of the reconciliation service the CLI drives.
type Reconciler interface {
	Reconcile(ctx context.Context, businessID int64, key ledger.Key) (reconcile.Finding, error)
	Sweep(ctx context.Context, scope reconcile.Scope) (reconcile.SweepReport, error)
}

// ReconcileCLI runs reconciliation checks from the command line.
type ReconcileCLI struct {
	service Reconciler
}

// NewReconcileCLI wires the CLI to a reconciler.
func NewReconcileCLI(service Reconciler) (*ReconcileCLI, error) {
	if service == nil {
		return nil, errors.New("reconcile cli: service required")
	}
	return &ReconcileCLI{service: service}, nil
}

// ReconcileOptions defines flags for the reconcile command.
type ReconcileOptions struct {
	BusinessID  int64
	VariationID int64
	LocationID  int64
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// SweepOptions defines flags for the sweep command.
type SweepOptions struct {
	BusinessID int64
	LocationID int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileCommand checks one key and returns ExitDrift when it drifted.
func (c *ReconcileCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if opts.BusinessID <= 0 || opts.VariationID <= 0 || opts.LocationID <= 0 {
		_, _ = fmt.Fprintln(stderr, "reconcile: --business, --variation and --location are required and must be positive")
		return 1
	}
	finding, err := c.service.Reconcile(ctx, opts.BusinessID, ledger.Key{VariationID: opts.VariationID, LocationID: opts.LocationID})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "reconcile: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(finding); err != nil {
			_, _ = fmt.Fprintf(stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderFinding(stdout, finding)
	}
	if errors.Is(finding.Err(), reconcile.ErrDriftDetected) {
		return ExitDrift
	}
	return 0
}

// SweepCommand sweeps a business and returns ExitDrift when any key drifted.
func (c *ReconcileCLI) SweepCommand(ctx context.Context, opts SweepOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if opts.BusinessID <= 0 {
		_, _ = fmt.Fprintln(stderr, "sweep: --business is required and must be positive")
		return 1
	}
	report, err := c.service.Sweep(ctx, reconcile.Scope{BusinessID: opts.BusinessID, LocationID: opts.LocationID})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "sweep: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "Sweep %s for business %d: %d checked, %d drifted\n",
			report.RunID, opts.BusinessID, report.Checked, len(report.Drifted))
		for _, f := range report.Drifted {
			_, _ = fmt.Fprintf(stdout, " - finding %d ", f.ID)
			renderFinding(stdout, f)
		}
	}
	if len(report.Drifted) > 0 {
		return ExitDrift
	}
	return 0
}

func renderFinding(out io.Writer, f reconcile.Finding) {
	_, _ = fmt.Fprintf(out, "%s %s: cached %s, ledger %s, variance %s\n",
		f.Key, f.Status, f.Cached, f.Derived, f.Variance)
}

func writers(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
