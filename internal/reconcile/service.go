package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/shared"
)

// stableReadAttempts bounds how often Reconcile re-reads a key that moved
// while it was being folded.
const stableReadAttempts = 3

// LedgerPort is the slice of the ledger service reconciliation depends on.
type LedgerPort interface {
	Balance(ctx context.Context, businessID int64, key ledger.Key) (ledger.Balance, error)
	DeriveBalance(ctx context.Context, businessID int64, key ledger.Key, asOf time.Time) (decimal.Decimal, error)
	ListKeys(ctx context.Context, filter ledger.KeyFilter) ([]ledger.ScopedKey, error)
	RebuildBalanceTx(ctx context.Context, tx ledger.TxRepository, businessID int64, key ledger.Key) (decimal.Decimal, decimal.Decimal, error)
	CorrectTx(ctx context.Context, tx ledger.TxRepository, in ledger.CorrectionInput) (ledger.Entry, bool, error)
	Committed(ctx context.Context, entries []ledger.Entry)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Concurrency bounds parallel key checks during a sweep.
	Concurrency int
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service detects drift and applies operator resolutions. It never corrects
// drift on its own.
type Service struct {
	ledger      LedgerPort
	repo        Repository
	audit       AuditPort
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service.
func NewService(ledgerSvc LedgerPort, repo Repository, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		ledger:      ledgerSvc,
		repo:        repo,
		audit:       audit,
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return clock().UTC() },
	}
}

// Reconcile compares the cached balance of key with the uncached fold of
// the business's whole ledger for it.
//
// The cached row is read on both sides of the fold and the check is
// repeated when it moved, so concurrent appends do not surface as drift.
func (s *Service) Reconcile(ctx context.Context, businessID int64, key ledger.Key) (Finding, error) {
	if businessID <= 0 {
		return Finding{}, fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	if key.VariationID <= 0 || key.LocationID <= 0 {
		return Finding{}, fmt.Errorf("%w: variation and location required", ErrInvalidRequest)
	}
	var finding Finding
	for range stableReadAttempts {
		before, err := s.ledger.Balance(ctx, businessID, key)
		if err != nil {
			return Finding{}, err
		}
		at := s.now()
		derived, err := s.ledger.DeriveBalance(ctx, businessID, key, time.Time{})
		if err != nil {
			return Finding{}, err
		}
		after, err := s.ledger.Balance(ctx, businessID, key)
		if err != nil {
			return Finding{}, err
		}
		finding = newFinding(businessID, key, after.Qty, derived, at)
		if before.Qty.Equal(after.Qty) && before.UpdatedAt.Equal(after.UpdatedAt) {
			break
		}
	}
	return finding, nil
}

// Sweep reconciles every key in scope, persists drifted findings and
// returns the report.
func (s *Service) Sweep(ctx context.Context, scope Scope) (SweepReport, error) {
	if scope.BusinessID <= 0 {
		return SweepReport{}, fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	report := SweepReport{RunID: uuid.NewString(), Scope: scope, StartedAt: s.now(), Drifted: []Finding{}}
	keys, err := s.ledger.ListKeys(ctx, ledger.KeyFilter{BusinessID: scope.BusinessID, LocationID: scope.LocationID})
	if err != nil {
		return SweepReport{}, err
	}

	findings := make([]Finding, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, k := range keys {
		g.Go(func() error {
			f, err := s.Reconcile(gctx, k.BusinessID, k.Key)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", k.Key, err)
			}
			findings[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, err
	}

	for _, f := range findings {
		if f.Status != StatusDrifted {
			continue
		}
		saved, err := s.repo.SaveFinding(ctx, f)
		if err != nil {
			return SweepReport{}, fmt.Errorf("reconcile: save finding %s: %w", f.Key, err)
		}
		saved.Status = StatusDrifted
		report.Drifted = append(report.Drifted, saved)
		s.logger.Warn("stock drift detected",
			slog.String("run_id", report.RunID),
			slog.Int64("finding_id", saved.ID),
			slog.Int64("variation_id", f.VariationID),
			slog.Int64("location_id", f.LocationID),
			slog.String("cached", f.Cached.String()),
			slog.String("derived", f.Derived.String()),
			slog.String("variance", f.Variance.String()))
	}
	report.Checked = len(keys)
	report.FinishedAt = s.now()
	s.logger.Info("reconciliation sweep finished",
		slog.String("run_id", report.RunID),
		slog.Int64("business_id", scope.BusinessID),
		slog.Int64("location_id", scope.LocationID),
		slog.Int("checked", report.Checked),
		slog.Int("drifted", len(report.Drifted)))
	return report, nil
}

// ListFindings pages through persisted findings.
func (s *Service) ListFindings(ctx context.Context, filter FindingFilter) ([]Finding, shared.Pagination, error) {
	if filter.BusinessID <= 0 {
		return nil, shared.Pagination{}, fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	if filter.State != "" && filter.State != StateOpen && filter.State != StateResolved {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, filter.State)
	}
	findings, total, err := s.repo.ListFindings(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("reconcile: list findings: %w", err)
	}
	return findings, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Resolve settles an open finding. Drift is re-evaluated under the balance
// lock, so the resolution applies to the current state rather than the one
// recorded at sweep time.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (Finding, error) {
	if !in.Resolution.IsValid() {
		return Finding{}, fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, in.Resolution)
	}
	var (
		resolved Finding
		entries  []ledger.Entry
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		f, err := tx.LockFinding(ctx, in.BusinessID, in.FindingID)
		if err != nil {
			return err
		}
		if f.State != StateOpen {
			return ErrAlreadyResolved
		}
		ltx := tx.Ledger()
		switch in.Resolution {
		case TrustLedger:
			before, after, err := s.ledger.RebuildBalanceTx(ctx, ltx, f.BusinessID, f.Key)
			if err != nil {
				return err
			}
			f.Cached, f.Derived, f.Variance = before, after, before.Sub(after)
		case TrustCount:
			bal, err := ltx.LockBalance(ctx, f.BusinessID, f.Key)
			if err != nil {
				return fmt.Errorf("reconcile: lock balance %s: %w", f.Key, err)
			}
			entry, created, err := s.ledger.CorrectTx(ctx, ltx, ledger.CorrectionInput{
				BusinessID: f.BusinessID,
				Key:        f.Key,
				Target:     bal.Qty,
				Reference:  ledger.Reference{Type: ledger.RefDriftFinding, ID: f.ID},
				ActorID:    in.ActorID,
				Note:       in.Note,
			})
			if err != nil {
				return err
			}
			derived := bal.Qty
			if created {
				entries = append(entries, entry)
				f.EntryID = entry.ID
				derived = bal.Qty.Sub(entry.QtyChange)
			}
			f.Cached, f.Derived, f.Variance = bal.Qty, derived, bal.Qty.Sub(derived)
		}
		now := s.now()
		f.State = StateResolved
		f.Resolution = in.Resolution
		f.ResolutionNote = in.Note
		f.ResolvedAt = &now
		f.ResolvedBy = in.ActorID
		if err := tx.ResolveFinding(ctx, f); err != nil {
			return fmt.Errorf("reconcile: resolve finding: %w", err)
		}
		resolved = f
		return nil
	})
	if err != nil {
		return Finding{}, err
	}
	s.ledger.Committed(ctx, entries)
	s.logger.Info("drift finding resolved",
		slog.Int64("finding_id", resolved.ID),
		slog.String("resolution", string(resolved.Resolution)),
		slog.Int64("entry_id", resolved.EntryID))
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			BusinessID: resolved.BusinessID,
			ActorID:    in.ActorID,
			Action:     "reconcile:resolve",
			Entity:     "stock_drift_finding",
			EntityID:   strconv.FormatInt(resolved.ID, 10),
			Meta: map[string]any{
				"resolution": string(resolved.Resolution),
				"variation":  resolved.VariationID,
				"location":   resolved.LocationID,
				"variance":   resolved.Variance.String(),
				"entry_id":   resolved.EntryID,
			},
		}); err != nil {
			s.logger.Warn("audit record", slog.String("action", "reconcile:resolve"), slog.Any("error", err))
		}
	}
	return resolved, nil
}
