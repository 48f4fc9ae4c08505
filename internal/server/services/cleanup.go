package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newsplatform/tokencore/internal/clockx"
	"github.com/newsplatform/tokencore/internal/logging"
	"github.com/newsplatform/tokencore/internal/server/config"
	"github.com/newsplatform/tokencore/internal/server/models"
	"github.com/newsplatform/tokencore/internal/server/repositories/tokens"
)

// CleanupService reconciles duplicate token rows and purges expired records.
// Every operation is idempotent and safe to run concurrently with the token
// service and with other sweeps: the store's guarded deletes re-check row
// state at delete time.
type CleanupService struct {
	store           tokens.Store
	clock           clockx.Clock
	log             logging.Logger
	sweepInterval   time.Duration
	purgeInterval   time.Duration
	retentionWindow time.Duration
}

var _ Reconciler = (*CleanupService)(nil)

func NewCleanupService(store tokens.Store, clock clockx.Clock, log logging.Logger, cfg *config.Config) *CleanupService {
	return &CleanupService{
		store:           store,
		clock:           clock,
		log:             log,
		sweepInterval:   cfg.SweepInterval,
		purgeInterval:   cfg.PurgeInterval,
		retentionWindow: cfg.RetentionWindow,
	}
}

// Reconcile collapses the rows for tokenValue down to the winner: the live
// record with the latest IssuedAt (record ID breaks ties). With no live row
// every defunct row is eligible. A value with at most one row is a no-op.
func (s *CleanupService) Reconcile(ctx context.Context, tokenValue string) error {
	records, err := s.store.ListByValue(ctx, tokenValue)
	if err != nil {
		return fmt.Errorf("listing token rows: %w", err)
	}
	if len(records) <= 1 {
		return nil
	}

	now := s.clock.Now()
	winnerID := ""
	if winner := models.SelectWinner(records, now); winner != nil {
		winnerID = winner.ID
	}

	deleted, err := s.store.DeleteSuperseded(ctx, tokenValue, winnerID, now)
	if err != nil {
		return fmt.Errorf("deleting superseded rows: %w", err)
	}
	if deleted > 0 {
		s.log.Info(ctx, "reconciled duplicate token rows", "deleted", deleted)
	}
	return nil
}

// SweepAll reconciles every token value currently backed by more than one
// row. Individual reconciliation failures are logged and do not stop the
// sweep; the first one is returned after the pass completes.
func (s *CleanupService) SweepAll(ctx context.Context) error {
	values, err := s.store.ListDuplicateValues(ctx)
	if err != nil {
		return fmt.Errorf("listing duplicate values: %w", err)
	}

	var firstErr error
	for _, value := range values {
		if err := s.Reconcile(ctx, value); err != nil {
			s.log.Error(ctx, "reconciliation failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(values) > 0 {
		s.log.Info(ctx, "duplicate sweep finished", "values", len(values))
	}
	return firstErr
}

// SweepExpired purges records that expired before now minus the retention
// window, returning the number of rows removed.
func (s *CleanupService) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retentionWindow)

	deleted, err := s.store.PurgeExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging expired tokens: %w", err)
	}
	if deleted > 0 {
		s.log.Info(ctx, "purged expired tokens", "deleted", deleted)
	}
	return deleted, nil
}

// ForceCleanup runs a full duplicate sweep and an expiry purge immediately,
// regardless of the schedule. Admin entry point.
func (s *CleanupService) ForceCleanup(ctx context.Context) error {
	sweepErr := s.SweepAll(ctx)
	if _, purgeErr := s.SweepExpired(ctx); purgeErr != nil && sweepErr == nil {
		sweepErr = purgeErr
	}
	return sweepErr
}

// RunScheduledSweep runs the duplicate sweep and the expiry purge on their
// configured intervals until ctx is cancelled.
func (s *CleanupService) RunScheduledSweep(ctx context.Context) {
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()
	purgeTicker := time.NewTicker(s.purgeInterval)
	defer purgeTicker.Stop()

	s.log.Info(ctx, "sweep scheduler started",
		"sweep_interval", s.sweepInterval.String(),
		"purge_interval", s.purgeInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "sweep scheduler stopped")
			return
		case <-sweepTicker.C:
			if err := s.SweepAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error(ctx, "duplicate sweep failed", "error", err)
			}
		case <-purgeTicker.C:
			if _, err := s.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error(ctx, "expiry purge failed", "error", err)
			}
		}
	}
}
