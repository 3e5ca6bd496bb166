package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockline/stockline/internal/jobs"
	"github.com/stockline/stockline/internal/reconcile"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileSweep compares cached balances with the ledger.
	TaskReconcileSweep = "stock:reconcile_sweep"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "stock:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReconcileSweepPayload scopes a sweep. A zero BusinessID sweeps every
// business that has ledger activity.
type ReconcileSweepPayload struct {
	BusinessID int64 `json:"business_id,omitempty"`
	LocationID int64 `json:"location_id,omitempty"`
}

// Scope converts the payload into a sweep scope.
func (p ReconcileSweepPayload) Scope() reconcile.Scope {
	return reconcile.Scope{BusinessID: p.BusinessID, LocationID: p.LocationID}
}

// IdempotencyCleanupPayload carries the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// Retention returns the window as a duration, defaulting to a week.
func (p IdempotencyCleanupPayload) Retention() time.Duration {
	if p.RetentionHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewReconcileSweepTask builds a sweep task for the given scope.
func NewReconcileSweepTask(scope reconcile.Scope) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcileSweepPayload{BusinessID: scope.BusinessID, LocationID: scope.LocationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileSweep, data, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
