package billing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelmint/pixelmint/internal/ledger"
	"github.com/pixelmint/pixelmint/internal/storage"
)

type testFixture struct {
	processor *Processor
	ledger    *ledger.Ledger
	lots      *storage.LotStore
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "billing_test.db"))
	require.NoError(t, err)
	l := ledger.New(db, zap.NewNop())
	lots := storage.NewLotStore(db)
	return &testFixture{
		processor: NewProcessor(l, lots, zap.NewNop()),
		ledger:    l,
		lots:      lots,
	}
}

func TestHandleEventTopUp(t *testing.T) {
	f := newFixture(t)
	res, err := f.processor.HandleEvent(context.Background(), PaymentEvent{
		ID: "inv-1", Type: EventTopUp, UserID: 1, Credits: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.BalanceAfter)
	assert.False(t, res.Duplicate)

	account, err := f.ledger.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), account.Balance)
}

func TestHandleEventDuplicateDeliveryGrantsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := PaymentEvent{ID: "inv-2", Type: EventSubscriptionRenewal, UserID: 2, Credits: 1000}

	first, err := f.processor.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.processor.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)

	account, err := f.ledger.GetOrCreate(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.Balance, "duplicate delivery must not double-grant")

	rows, err := f.ledger.ListTransactions(ctx, 2, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandleEventBonusCreatesExpirationLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(30 * 24 * time.Hour)

	_, err := f.processor.HandleEvent(ctx, PaymentEvent{
		ID: "promo-1", Type: EventBonus, UserID: 3, Credits: 250, BonusExpiresAt: &expires,
	})
	require.NoError(t, err)

	due, err := f.lots.Due(ctx, expires.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(3), due[0].UserID)
	assert.Equal(t, int64(250), due[0].Amount)
	assert.Equal(t, storage.LotScheduled, due[0].Status)
}

func TestHandleEventBonusWithoutExpiryHasNoLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.HandleEvent(ctx, PaymentEvent{
		ID: "promo-2", Type: EventBonus, UserID: 4, Credits: 100,
	})
	require.NoError(t, err)

	due, err := f.lots.Due(ctx, time.Now().UTC().Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestHandleEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.HandleEvent(ctx, PaymentEvent{Type: EventTopUp, UserID: 1, Credits: 10})
	require.Error(t, err, "missing event id")

	_, err = f.processor.HandleEvent(ctx, PaymentEvent{ID: "x", Type: EventTopUp, UserID: 1, Credits: 0})
	require.Error(t, err, "non-positive credits")

	_, err = f.processor.HandleEvent(ctx, PaymentEvent{ID: "y", Type: "chargeback", UserID: 1, Credits: 10})
	require.Error(t, err, "unknown event type")
}
