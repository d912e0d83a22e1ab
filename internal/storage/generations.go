package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrGenerationNotFound is returned for lookups of unknown generation ids.
var ErrGenerationNotFound = errors.New("generation not found")

// GenerationStore owns the Generation lifecycle rows.
type GenerationStore struct {
	db *gorm.DB
}

func NewGenerationStore(db *gorm.DB) *GenerationStore {
	return &GenerationStore{db: db}
}

func (s *GenerationStore) Create(ctx context.Context, gen *Generation) error {
	now := time.Now().UTC()
	gen.CreatedAt = now
	gen.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(gen).Error; err != nil {
		return fmt.Errorf("failed to create generation record: %w", err)
	}
	return nil
}

func (s *GenerationStore) Get(ctx context.Context, id string) (*Generation, error) {
	var gen Generation
	result := s.db.WithContext(ctx).First(&gen, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("failed to get generation: %w", result.Error)
	}
	return &gen, nil
}

func (s *GenerationStore) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var gens []Generation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&gens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	return gens, nil
}

// MarkCompleted records the stored artifact and flips the row to completed.
func (s *GenerationStore) MarkCompleted(ctx context.Context, id, storageKey, storageURL string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":      GenerationCompleted,
		"storage_key": storageKey,
		"storage_url": storageURL,
		"updated_at":  time.Now().UTC(),
	})
}

// MarkFailed records the terminal failure message.
func (s *GenerationStore) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":        GenerationFailed,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	})
}

// SetCreditsUsed records the billed amount once the ledger debit lands.
func (s *GenerationStore) SetCreditsUsed(ctx context.Context, id string, credits int64) error {
	return s.update(ctx, id, map[string]interface{}{
		"credits_used": credits,
		"updated_at":   time.Now().UTC(),
	})
}

// SetProviderRequestID links the row to the provider-issued job id.
func (s *GenerationStore) SetProviderRequestID(ctx context.Context, id, providerID string) error {
	return s.update(ctx, id, map[string]interface{}{
		"provider_request_id": providerID,
		"updated_at":          time.Now().UTC(),
	})
}

func (s *GenerationStore) update(ctx context.Context, id string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Generation{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update generation %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrGenerationNotFound
	}
	return nil
}
