package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// LotStore owns CreditExpirationLot rows. Balance mutation is never done
// here; the sweeper delegates that to the ledger.
type LotStore struct {
	db *gorm.DB
}

func NewLotStore(db *gorm.DB) *LotStore {
	return &LotStore{db: db}
}

func (s *LotStore) Create(ctx context.Context, lot *CreditExpirationLot) error {
	now := time.Now().UTC()
	lot.CreatedAt = now
	lot.UpdatedAt = now
	if lot.Status == "" {
		lot.Status = LotScheduled
	}
	if err := s.db.WithContext(ctx).Create(lot).Error; err != nil {
		return fmt.Errorf("failed to create expiration lot: %w", err)
	}
	return nil
}

// Due returns lots whose expiry has passed and that are still awaiting the sweep.
func (s *LotStore) Due(ctx context.Context, now time.Time) ([]CreditExpirationLot, error) {
	var lots []CreditExpirationLot
	err := s.db.WithContext(ctx).
		Where("expires_at <= ? AND status IN ?", now, []LotStatus{LotScheduled, LotPending}).
		Order("expires_at ASC").
		Find(&lots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due expiration lots: %w", err)
	}
	return lots, nil
}

// MarkCompleted closes the lot, recording how much was consumed in total.
func (s *LotStore) MarkCompleted(ctx context.Context, id int64, consumedAmount int64) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":          LotCompleted,
		"consumed_amount": consumedAmount,
		"updated_at":      time.Now().UTC(),
	})
}

// MarkFailed records the sweep error without blocking other lots.
func (s *LotStore) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":        LotFailed,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	})
}

// AddConsumed records partial consumption of a lot before expiry.
func (s *LotStore) AddConsumed(ctx context.Context, id int64, amount int64) error {
	result := s.db.WithContext(ctx).Model(&CreditExpirationLot{}).
		Where("id = ?", id).
		Update("consumed_amount", gorm.Expr("consumed_amount + ?", amount))
	if result.Error != nil {
		return fmt.Errorf("failed to add consumed amount to lot %d: %w", id, result.Error)
	}
	return nil
}

func (s *LotStore) update(ctx context.Context, id int64, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&CreditExpirationLot{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update expiration lot %d: %w", id, result.Error)
	}
	return nil
}
