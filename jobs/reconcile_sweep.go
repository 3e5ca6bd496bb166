package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockline/stockline/internal/jobs"
	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/reconcile"
	"github.com/stockline/stockline/internal/shared"
)

// Sweeper runs one reconciliation sweep.
type Sweeper interface {
	Sweep(ctx context.Context, scope reconcile.Scope) (reconcile.SweepReport, error)
}

// KeyLister enumerates ledger keys so unscoped sweeps can find businesses.
type KeyLister interface {
	ListKeys(ctx context.Context, filter ledger.KeyFilter) ([]ledger.ScopedKey, error)
}

// ReconcileSweepJob sweeps balances under a per-scope redis lock so two
// workers never sweep the same scope at once.
type ReconcileSweepJob struct {
	Sweeper Sweeper
	Keys    KeyLister
	Locker  *redislock.Client
	LockTTL time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconcileSweepJob initialises the sweep handler.
func NewReconcileSweepJob(sweeper Sweeper, keys KeyLister, locker *redislock.Client, lockTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileSweepJob {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &ReconcileSweepJob{
		Sweeper: sweeper,
		Keys:    keys,
		Locker:  locker,
		LockTTL: lockTTL,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep task.
func (j *ReconcileSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("reconcile sweep: handler not configured")
	}
	var payload ReconcileSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run sweeps the payload scope and returns the reports of scopes it owned.
func (j *ReconcileSweepJob) Run(ctx context.Context, payload ReconcileSweepPayload) (reports []reconcile.SweepReport, resultErr error) {
	start := j.now()
	tracker := j.metrics().Track(TaskReconcileSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	scopes, err := j.scopes(ctx, payload)
	if err != nil {
		j.log().Error("reconcile sweep: list scopes", slog.Any("error", err))
		return nil, err
	}

	var errs []error
	for _, scope := range scopes {
		report, ok, err := j.sweepLocked(ctx, scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("business %d: %w", scope.BusinessID, err))
			continue
		}
		if !ok {
			continue
		}
		j.metrics().AddDrift(scope.BusinessID, scope.LocationID, len(report.Drifted))
		reports = append(reports, report)
	}

	j.log().Info("reconcile sweep run completed",
		slog.Int("scopes", len(scopes)),
		slog.Int("swept", len(reports)),
		slog.Duration("duration", j.now().Sub(start)))
	return reports, errors.Join(errs...)
}

func (j *ReconcileSweepJob) sweepLocked(ctx context.Context, scope reconcile.Scope) (reconcile.SweepReport, bool, error) {
	logger := j.log().With(slog.Int64("business_id", scope.BusinessID), slog.Int64("location_id", scope.LocationID))
	if j.Locker != nil {
		lock, err := j.Locker.Obtain(ctx, shared.ReconcileLockKey(scope.BusinessID, scope.LocationID), j.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			j.metrics().LockSkipped(TaskReconcileSweep)
			logger.Info("reconcile sweep already running elsewhere")
			return reconcile.SweepReport{}, false, nil
		}
		if err != nil {
			return reconcile.SweepReport{}, false, fmt.Errorf("obtain lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				logger.Warn("reconcile sweep: release lock", slog.Any("error", err))
			}
		}()
	}
	report, err := j.Sweeper.Sweep(ctx, scope)
	if err != nil {
		logger.Error("reconcile sweep failed", slog.Any("error", err))
		return reconcile.SweepReport{}, false, err
	}
	return report, true, nil
}

func (j *ReconcileSweepJob) scopes(ctx context.Context, payload ReconcileSweepPayload) ([]reconcile.Scope, error) {
	if payload.BusinessID > 0 {
		return []reconcile.Scope{payload.Scope()}, nil
	}
	if j.Keys == nil {
		return nil, errors.New("reconcile sweep: business required")
	}
	keys, err := j.Keys.ListKeys(ctx, ledger.KeyFilter{LocationID: payload.LocationID})
	if err != nil {
		return nil, err
	}
	var businesses []int64
	for _, k := range keys {
		if !slices.Contains(businesses, k.BusinessID) {
			businesses = append(businesses, k.BusinessID)
		}
	}
	slices.Sort(businesses)
	scopes := make([]reconcile.Scope, 0, len(businesses))
	for _, b := range businesses {
		scopes = append(scopes, reconcile.Scope{BusinessID: b, LocationID: payload.LocationID})
	}
	return scopes, nil
}

func (j *ReconcileSweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcileSweep))
	}
	return slog.Default().With(slog.String("job", TaskReconcileSweep))
}

func (j *ReconcileSweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileSweepJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
