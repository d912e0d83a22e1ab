package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelmint/pixelmint/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger_test.db"))
	require.NoError(t, err)
	return New(db, zap.NewNop())
}

func requireInvariant(t *testing.T, l *Ledger, userID int64) *storage.CreditAccount {
	t.Helper()
	account, err := l.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, account.Balance, account.LifetimeEarned-account.LifetimeSpent,
		"balance must equal lifetime_earned - lifetime_spent")
	return account
}

func TestGetOrCreate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	account, err := l.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)

	// Second call returns the same account, not a fresh one.
	_, err = l.Credit(ctx, 1, 100, storage.TxPurchased, "topup", "", "")
	require.NoError(t, err)
	again, err := l.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.Balance)
}

func TestCreditAndDebitFlow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Credit(ctx, 7, 100, storage.TxPurchased, "topup", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.BalanceAfter)

	res, err = l.Debit(ctx, 7, 30, "image generation", "gen-1", "generation")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.BalanceAfter)

	account := requireInvariant(t, l, 7)
	assert.Equal(t, int64(70), account.Balance)
	assert.Equal(t, int64(100), account.LifetimeEarned)
	assert.Equal(t, int64(30), account.LifetimeSpent)
}

func TestDebitInsufficientCredits(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, 2, 10, storage.TxEarned, "renewal", "", "")
	require.NoError(t, err)

	_, err = l.Debit(ctx, 2, 25, "video generation", "gen-2", "generation")
	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(25), insufficient.Required)
	assert.Equal(t, int64(10), insufficient.Current)
	assert.Equal(t, int64(15), insufficient.Shortfall())

	// Failed debit must leave no trace.
	account := requireInvariant(t, l, 2)
	assert.Equal(t, int64(10), account.Balance)
	rows, err := l.ListTransactions(ctx, 2, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Debit(context.Background(), 3, 0, "noop", "gen-3", "generation")
	require.Error(t, err)
	_, err = l.Debit(context.Background(), 3, -5, "noop", "gen-3", "generation")
	require.Error(t, err)
}

func TestDebitIdempotency(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, 4, 100, storage.TxPurchased, "topup", "", "")
	require.NoError(t, err)

	first, err := l.Debit(ctx, 4, 30, "image generation", "gen-42", "generation")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := l.Debit(ctx, 4, 30, "image generation", "gen-42", "generation")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)

	account := requireInvariant(t, l, 4)
	assert.Equal(t, int64(70), account.Balance)

	var spent int
	rows, err := l.ListTransactions(ctx, 4, 10, 0)
	require.NoError(t, err)
	for _, row := range rows {
		if row.Type == storage.TxSpent {
			spent++
		}
	}
	assert.Equal(t, 1, spent)
}

func TestRefundIdempotency(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, 5, 100, storage.TxPurchased, "topup", "", "")
	require.NoError(t, err)
	_, err = l.Debit(ctx, 5, 40, "video generation", "gen-77", "generation")
	require.NoError(t, err)

	first, err := l.Refund(ctx, 5, 40, "refund for failed generation", "gen-77", "generation_failure")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(100), first.BalanceAfter)

	// A duplicate failure handler must not double-refund.
	second, err := l.Refund(ctx, 5, 40, "refund for failed generation", "gen-77", "generation_failure")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	account := requireInvariant(t, l, 5)
	assert.Equal(t, int64(100), account.Balance)
	assert.Equal(t, int64(0), account.LifetimeSpent)
}

func TestRefundRequiresReference(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Refund(context.Background(), 6, 10, "refund", "", "generation_failure")
	require.Error(t, err)
}

func TestCreditRejectsInvalidType(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Credit(context.Background(), 8, 10, storage.TxSpent, "bad", "", "")
	require.Error(t, err)
	_, err = l.Credit(context.Background(), 8, 10, storage.TxRefund, "bad", "", "")
	require.Error(t, err)
}

func TestDebitAndRefundWithSameReferenceCoexist(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, 9, 50, storage.TxPurchased, "topup", "", "")
	require.NoError(t, err)
	_, err = l.Debit(ctx, 9, 50, "video generation", "gen-9", "generation")
	require.NoError(t, err)
	// Same reference id, different type: the refund is a distinct row.
	_, err = l.Refund(ctx, 9, 50, "refund", "gen-9", "generation_failure")
	require.NoError(t, err)

	rows, err := l.ListTransactions(ctx, 9, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestFindTransactionByReference(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	found, err := l.FindTransactionByReference(ctx, 10, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = l.Credit(ctx, 10, 500, storage.TxPurchased, "topup", "evt-1", "payment_event")
	require.NoError(t, err)

	found, err = l.FindTransactionByReference(ctx, 10, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(500), found.BalanceAfter)
	assert.Equal(t, storage.TxPurchased, found.Type)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Credit(ctx, 11, 100, storage.TxPurchased, "first", "", "")
	require.NoError(t, err)
	_, err = l.Debit(ctx, 11, 10, "second", "gen-a", "generation")
	require.NoError(t, err)
	_, err = l.Debit(ctx, 11, 20, "third", "gen-b", "generation")
	require.NoError(t, err)

	rows, err := l.ListTransactions(ctx, 11, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "third", rows[0].Description)
	assert.Equal(t, "first", rows[2].Description)
}
