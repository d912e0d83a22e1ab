package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelmint/pixelmint/internal/ledger"
	"github.com/pixelmint/pixelmint/internal/storage"
)

type spendCall struct {
	userID      int64
	amount      int64
	referenceID string
}

type fakeSpender struct {
	calls []spendCall
	err   error
}

func (f *fakeSpender) Spend(ctx context.Context, userID, amount int64, description, referenceID, referenceType string) (*ledger.MutationResult, error) {
	f.calls = append(f.calls, spendCall{userID: userID, amount: amount, referenceID: referenceID})
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.MutationResult{}, nil
}

func newTestLots(t *testing.T) *storage.LotStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "sweeper_test.db"))
	require.NoError(t, err)
	return storage.NewLotStore(db)
}

func fixedClock(at time.Time) Option {
	return WithClock(func() time.Time { return at })
}

func TestRunOnceNoDueLots(t *testing.T) {
	lots := newTestLots(t)
	spender := &fakeSpender{}
	now := time.Now().UTC()

	require.NoError(t, lots.Create(context.Background(), &storage.CreditExpirationLot{
		UserID: 1, Amount: 100, ExpiresAt: now.Add(time.Hour),
	}))

	s := New(lots, spender, zap.NewNop(), fixedClock(now))
	completed, failed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, completed)
	assert.Zero(t, failed)
	assert.Empty(t, spender.calls)
}

func TestRunOnceExpiresUnconsumedLot(t *testing.T) {
	lots := newTestLots(t)
	spender := &fakeSpender{}
	now := time.Now().UTC()
	ctx := context.Background()

	lot := &storage.CreditExpirationLot{UserID: 2, Amount: 500, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, lots.Create(ctx, lot))

	s := New(lots, spender, zap.NewNop(), fixedClock(now))
	completed, failed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)

	require.Len(t, spender.calls, 1)
	assert.Equal(t, int64(2), spender.calls[0].userID)
	assert.Equal(t, int64(500), spender.calls[0].amount)

	remaining, err := lots.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, remaining, "completed lot must not stay due")
}

func TestRunOncePartiallyConsumedLot(t *testing.T) {
	lots := newTestLots(t)
	spender := &fakeSpender{}
	now := time.Now().UTC()
	ctx := context.Background()

	lot := &storage.CreditExpirationLot{UserID: 3, Amount: 500, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, lots.Create(ctx, lot))
	require.NoError(t, lots.AddConsumed(ctx, lot.ID, 200))

	s := New(lots, spender, zap.NewNop(), fixedClock(now))
	completed, _, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	require.Len(t, spender.calls, 1)
	assert.Equal(t, int64(300), spender.calls[0].amount, "only the unconsumed remainder expires")
}

func TestRunOnceFullyConsumedLotSpendsNothing(t *testing.T) {
	lots := newTestLots(t)
	spender := &fakeSpender{}
	now := time.Now().UTC()
	ctx := context.Background()

	lot := &storage.CreditExpirationLot{UserID: 4, Amount: 500, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, lots.Create(ctx, lot))
	require.NoError(t, lots.AddConsumed(ctx, lot.ID, 500))

	s := New(lots, spender, zap.NewNop(), fixedClock(now))
	completed, failed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
	assert.Empty(t, spender.calls, "fully consumed lot must not touch the ledger")
}

func TestRunOnceIsolatesLotFailures(t *testing.T) {
	lots := newTestLots(t)
	now := time.Now().UTC()
	ctx := context.Background()

	bad := &storage.CreditExpirationLot{UserID: 5, Amount: 100, ExpiresAt: now.Add(-2 * time.Hour)}
	good := &storage.CreditExpirationLot{UserID: 6, Amount: 200, ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, lots.Create(ctx, bad))
	require.NoError(t, lots.Create(ctx, good))

	spender := &failOnceSpender{failUserID: 5}
	s := New(lots, spender, zap.NewNop(), fixedClock(now))
	completed, failed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)

	// The failing lot is marked failed, not retried forever as due.
	remaining, err := lots.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

type failOnceSpender struct {
	failUserID int64
	calls      []spendCall
}

func (f *failOnceSpender) Spend(ctx context.Context, userID, amount int64, description, referenceID, referenceType string) (*ledger.MutationResult, error) {
	f.calls = append(f.calls, spendCall{userID: userID, amount: amount, referenceID: referenceID})
	if userID == f.failUserID {
		return nil, errors.New("ledger unavailable")
	}
	return &ledger.MutationResult{}, nil
}
