package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "storage_test.db"))
	require.NoError(t, err)
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage_test.db")
	_, err := Open(path)
	require.NoError(t, err)
	// Re-running migrations against an existing file must not fail.
	_, err = Open(path)
	require.NoError(t, err)
}

func TestUniqueReferenceIndex(t *testing.T) {
	db := openTestDB(t)

	row := CreditTransaction{
		UserID: 1, Type: TxSpent, Amount: 10, BalanceAfter: 90,
		ReferenceID: "gen-1", ReferenceType: "generation", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&row).Error)

	dup := row
	dup.ID = 0
	assert.Error(t, db.Create(&dup).Error, "same (user, reference, type) must be rejected")

	// Different type with the same reference is a distinct event (refund).
	refund := row
	refund.ID = 0
	refund.Type = TxRefund
	assert.NoError(t, db.Create(&refund).Error)

	// Rows without a reference are exempt from the uniqueness rule.
	for i := 0; i < 2; i++ {
		free := CreditTransaction{
			UserID: 1, Type: TxSpent, Amount: 5, BalanceAfter: 85, CreatedAt: time.Now().UTC(),
		}
		assert.NoError(t, db.Create(&free).Error)
	}
}

func TestGenerationLifecycle(t *testing.T) {
	db := openTestDB(t)
	store := NewGenerationStore(db)
	ctx := context.Background()

	gen := &Generation{ID: "gen-1", UserID: 1, GenerationType: "text_to_image", Status: GenerationPending}
	require.NoError(t, store.Create(ctx, gen))

	require.NoError(t, store.SetProviderRequestID(ctx, "gen-1", "prov-9"))
	require.NoError(t, store.MarkCompleted(ctx, "gen-1", "1/image/a.png", "https://files/a"))
	require.NoError(t, store.SetCreditsUsed(ctx, "gen-1", 30))

	got, err := store.Get(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, GenerationCompleted, got.Status)
	assert.Equal(t, "prov-9", got.ProviderRequestID)
	assert.Equal(t, int64(30), got.CreditsUsed)
	assert.Equal(t, "1/image/a.png", got.StorageKey)
}

func TestGenerationNotFound(t *testing.T) {
	db := openTestDB(t)
	store := NewGenerationStore(db)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrGenerationNotFound)
	assert.ErrorIs(t, store.MarkFailed(ctx, "missing", "boom"), ErrGenerationNotFound)
}

func TestListByUserOrdersNewestFirst(t *testing.T) {
	db := openTestDB(t)
	store := NewGenerationStore(db)
	ctx := context.Background()

	older := &Generation{ID: "g-old", UserID: 2, GenerationType: "upscale", Status: GenerationPending}
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, db.Model(&Generation{}).Where("id = ?", "g-old").
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)
	newer := &Generation{ID: "g-new", UserID: 2, GenerationType: "upscale", Status: GenerationPending}
	require.NoError(t, store.Create(ctx, newer))

	gens, err := store.ListByUser(ctx, 2, 10, 0)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.Equal(t, "g-new", gens[0].ID)
}

func TestLotDueFiltering(t *testing.T) {
	db := openTestDB(t)
	store := NewLotStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	past := &CreditExpirationLot{UserID: 1, Amount: 100, ExpiresAt: now.Add(-time.Hour)}
	future := &CreditExpirationLot{UserID: 1, Amount: 200, ExpiresAt: now.Add(time.Hour)}
	done := &CreditExpirationLot{UserID: 1, Amount: 300, ExpiresAt: now.Add(-time.Hour), Status: LotCompleted}
	require.NoError(t, store.Create(ctx, past))
	require.NoError(t, store.Create(ctx, future))
	require.NoError(t, store.Create(ctx, done))

	due, err := store.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past.ID, due[0].ID)

	require.NoError(t, store.AddConsumed(ctx, past.ID, 40))
	require.NoError(t, store.MarkCompleted(ctx, past.ID, 100))
	due, err = store.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}
