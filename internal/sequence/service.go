package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/stockline/stockline/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service issues and administers counters.
type Service struct {
	repo   Repository
	max    int64
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service. A max of zero allows the full int64 range.
func NewService(repo Repository, max int64, audit AuditPort, logger *slog.Logger) *Service {
	if max <= 0 {
		max = math.MaxInt64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, max: max, audit: audit, logger: logger}
}

// Max reports the configured upper bound.
func (s *Service) Max() int64 { return s.max }

// Next issues the next value for key.
func (s *Service) Next(ctx context.Context, key Key) (int64, error) {
	key, err := key.Normalize()
	if err != nil {
		return 0, err
	}
	return s.repo.Next(ctx, key, s.max)
}

// Current returns the last issued value; zero when nothing was issued.
func (s *Service) Current(ctx context.Context, key Key) (int64, error) {
	key, err := key.Normalize()
	if err != nil {
		return 0, err
	}
	value, err := s.repo.Current(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("sequence: current: %w", err)
	}
	return value, nil
}

// Reset sets the counter so the next issuance returns value+1.
func (s *Service) Reset(ctx context.Context, key Key, value int64, actorID int64) error {
	key, err := key.Normalize()
	if err != nil {
		return err
	}
	if value < 0 || value >= s.max {
		return fmt.Errorf("%w: %d", ErrInvalidValue, value)
	}
	if err := s.repo.Reset(ctx, key, value); err != nil {
		return fmt.Errorf("sequence: reset: %w", err)
	}
	s.logger.Info("sequence reset",
		slog.Int64("business_id", key.BusinessID),
		slog.Int64("location_id", key.LocationID),
		slog.String("series", key.Series),
		slog.Int64("value", value))
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			BusinessID: key.BusinessID,
			ActorID:    actorID,
			Action:     "sequence:reset",
			Entity:     "sequence_counter",
			EntityID:   fmt.Sprintf("%d:%d:%s:%s", key.BusinessID, key.LocationID, key.Series, key.Date.Format("2006-01-02")),
			Meta:       map[string]any{"value": value},
		}); err != nil {
			s.logger.Warn("audit record", slog.String("action", "sequence:reset"), slog.Any("error", err))
		}
	}
	return nil
}
