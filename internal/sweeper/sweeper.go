package sweeper

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pixelmint/pixelmint/internal/ledger"
	"github.com/pixelmint/pixelmint/internal/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// LedgerSpender is the only ledger surface the sweeper uses; all balance
// mutation is delegated there.
type LedgerSpender interface {
	Spend(ctx context.Context, userID, amount int64, description, referenceID, referenceType string) (*ledger.MutationResult, error)
}

// Sweeper expires time-bound bonus lots by spending any unconsumed
// remainder through the ledger. Lots are processed independently; one
// failing lot never aborts the rest.
type Sweeper struct {
	lots   *storage.LotStore
	ledger LedgerSpender
	cron   *cron.Cron
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Sweeper)

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(lots *storage.LotStore, spender LedgerSpender, logger *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		lots:   lots,
		ledger: spender,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce processes every due lot and reports how many completed and failed.
func (s *Sweeper) RunOnce(ctx context.Context) (completed, failed int, err error) {
	due, err := s.lots.Due(ctx, s.now())
	if err != nil {
		return 0, 0, err
	}
	if len(due) == 0 {
		s.logger.Debug("no expiration lots due")
		return 0, 0, nil
	}

	s.logger.Info("sweeping expiration lots", zap.Int("due", len(due)))
	for _, lot := range due {
		if err := s.sweepLot(ctx, lot); err != nil {
			failed++
			s.logger.Warn("expiration lot sweep failed",
				zap.Int64("lot_id", lot.ID),
				zap.Int64("user_id", lot.UserID),
				zap.Error(err))
			if markErr := s.lots.MarkFailed(ctx, lot.ID, err.Error()); markErr != nil {
				s.logger.Error("failed to mark lot failed", zap.Int64("lot_id", lot.ID), zap.Error(markErr))
			}
			continue
		}
		completed++
	}
	return completed, failed, nil
}

func (s *Sweeper) sweepLot(ctx context.Context, lot storage.CreditExpirationLot) error {
	remaining := lot.Amount - lot.ConsumedAmount
	if remaining <= 0 {
		// Fully consumed before expiry; nothing to spend back.
		return s.lots.MarkCompleted(ctx, lot.ID, lot.ConsumedAmount)
	}

	if _, err := s.ledger.Spend(ctx, lot.UserID, remaining,
		"bonus expired", strconv.FormatInt(lot.ID, 10), "credit_expiration"); err != nil {
		return fmt.Errorf("failed to spend expired remainder: %w", err)
	}
	return s.lots.MarkCompleted(ctx, lot.ID, lot.Amount)
}

// Start registers the daily cron job.
func (s *Sweeper) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		completed, failed, err := s.RunOnce(context.Background())
		if err != nil {
			s.logger.Error("expiration sweep failed", zap.Error(err))
			return
		}
		if completed > 0 || failed > 0 {
			s.logger.Info("expiration sweep finished",
				zap.Int("completed", completed),
				zap.Int("failed", failed))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
