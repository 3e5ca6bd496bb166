package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/reconcile"
	"github.com/stockline/stockline/internal/sequence"
	"github.com/stockline/stockline/jobs"
)

type stubReconciler struct {
	finding reconcile.Finding
	report  reconcile.SweepReport
	err     error
}

func (s stubReconciler) Reconcile(_ context.Context, businessID int64, key ledger.Key) (reconcile.Finding, error) {
	f := s.finding
	f.BusinessID = businessID
	f.Key = key
	return f, s.err
}

func (s stubReconciler) Sweep(_ context.Context, scope reconcile.Scope) (reconcile.SweepReport, error) {
	r := s.report
	r.Scope = scope
	return r, s.err
}

func TestReconcileCommandExitCodes(t *testing.T) {
	ok := stubReconciler{finding: reconcile.Finding{Status: reconcile.StatusOK, Cached: decimal.NewFromInt(5), Derived: decimal.NewFromInt(5)}}
	c, err := NewReconcileCLI(ok)
	require.NoError(t, err)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := c.ReconcileCommand(context.Background(), ReconcileOptions{BusinessID: 3, VariationID: 7, LocationID: 2, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code)
	require.Contains(t, stdout.String(), "ok")
	require.Empty(t, stderr.String())

	drifted := stubReconciler{finding: reconcile.Finding{
		Status:   reconcile.StatusDrifted,
		Cached:   decimal.NewFromInt(45),
		Derived:  decimal.NewFromInt(50),
		Variance: decimal.NewFromInt(-5),
	}}
	c, err = NewReconcileCLI(drifted)
	require.NoError(t, err)
	stdout.Reset()
	code = c.ReconcileCommand(context.Background(), ReconcileOptions{BusinessID: 3, VariationID: 7, LocationID: 2, JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitDrift, code)

	var out reconcile.Finding
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.True(t, out.Variance.Equal(decimal.NewFromInt(-5)))
	require.Equal(t, int64(3), out.BusinessID)

	code = c.ReconcileCommand(context.Background(), ReconcileOptions{Stdout: stdout, Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "--business")
}

func TestSweepCommand(t *testing.T) {
	c, err := NewReconcileCLI(stubReconciler{report: reconcile.SweepReport{RunID: "r1", Checked: 4, Drifted: []reconcile.Finding{{ID: 3, Status: reconcile.StatusDrifted}}}})
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := c.SweepCommand(context.Background(), SweepOptions{BusinessID: 1, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitDrift, code)
	require.Contains(t, stdout.String(), "4 checked, 1 drifted")

	failing, err := NewReconcileCLI(stubReconciler{err: errors.New("db down")})
	require.NoError(t, err)
	stderr := new(bytes.Buffer)
	require.Equal(t, 1, failing.SweepCommand(context.Background(), SweepOptions{BusinessID: 1, Stdout: stdout, Stderr: stderr}))
	require.Contains(t, stderr.String(), "db down")
}

type stubSequencer struct {
	next    int64
	resetTo int64
	key     sequence.Key
}

func (s *stubSequencer) Next(_ context.Context, key sequence.Key) (int64, error) {
	s.key = key
	s.next++
	return s.next, nil
}

func (s *stubSequencer) Reset(_ context.Context, key sequence.Key, value int64, _ int64) error {
	s.key = key
	s.resetTo = value
	return nil
}

func TestSequenceCommands(t *testing.T) {
	stub := &stubSequencer{}
	c, err := NewSequenceCLI(stub)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	code := c.NextCommand(context.Background(), SequenceOptions{BusinessID: 1, LocationID: 2, Series: "Invoice", Date: "2025-10-12", Prefix: "INV", Stdout: stdout})
	require.Zero(t, code)
	require.Equal(t, "INV-2-20251012-0001\n", stdout.String())
	require.Equal(t, sequence.SeriesInvoice, stub.key.Series)
	require.Equal(t, time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC), stub.key.Date)

	stdout.Reset()
	require.Zero(t, c.ResetCommand(context.Background(), SequenceOptions{BusinessID: 1, LocationID: 2, Date: "2025-10-12", Value: 40, Stdout: stdout}))
	require.EqualValues(t, 40, stub.resetTo)

	stderr := new(bytes.Buffer)
	require.Equal(t, 1, c.NextCommand(context.Background(), SequenceOptions{BusinessID: 1, LocationID: 2, Date: "12/10/2025", Stderr: stderr}))
	require.Contains(t, stderr.String(), "invalid date")
}

func TestBuildTask(t *testing.T) {
	task, err := BuildTask("sweep", TriggerOptions{BusinessID: 4})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskReconcileSweep, task.Type())
	require.JSONEq(t, `{"business_id":4}`, string(task.Payload()))

	task, err = BuildTask(jobs.TaskIdempotencyCleanup, TriggerOptions{Retention: 24 * time.Hour})
	require.NoError(t, err)
	require.JSONEq(t, `{"retention_hours":24}`, string(task.Payload()))

	_, err = BuildTask("mail:send", TriggerOptions{})
	require.ErrorContains(t, err, "unsupported job")
}
