package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixelmint/pixelmint/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger is the system of record for credit balances. Every balance change
// happens inside one database transaction that reads the locked account row,
// validates sufficiency, writes the new balance, and appends the
// transaction row as a single unit. There is no read-modify-write across
// round-trips for the authoritative balance.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.Mutex // serializes write transactions (SQLite single-writer)
}

func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// MutationResult reports the outcome of one ledger operation. Duplicate is
// set when the operation was a no-op because a row with the same reference
// already existed.
type MutationResult struct {
	BalanceAfter int64
	Duplicate    bool
}

// GetOrCreate returns the user's account, atomically creating a zero-balance
// account on first read.
func (l *Ledger) GetOrCreate(ctx context.Context, userID int64) (*storage.CreditAccount, error) {
	now := time.Now().UTC()
	acct := storage.CreditAccount{UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
		return nil, fmt.Errorf("failed to ensure credit account: %w", err)
	}
	var out storage.CreditAccount
	if err := l.db.WithContext(ctx).First(&out, "user_id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("failed to load credit account: %w", err)
	}
	return &out, nil
}

// Debit removes amount from the user's balance and appends a spent row.
// Fails with InsufficientCreditsError when balance < amount. Idempotent on
// (userID, referenceID): a duplicate call returns the originally recorded
// result without mutating state.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64, description, referenceID, referenceType string) (*MutationResult, error) {
	return l.apply(ctx, userID, amount, storage.TxSpent, description, referenceID, referenceType, true)
}

// Spend is Debit for non-generation consumption, e.g. expiring a bonus lot.
// Same idempotency contract.
func (l *Ledger) Spend(ctx context.Context, userID, amount int64, description, referenceID, referenceType string) (*MutationResult, error) {
	return l.apply(ctx, userID, amount, storage.TxSpent, description, referenceID, referenceType, true)
}

// Credit grants amount to the user. Grants always succeed (no upper bound)
// and are not idempotent by default; webhook callers pre-check for an
// existing transaction with the same reference before calling.
func (l *Ledger) Credit(ctx context.Context, userID, amount int64, txType storage.TransactionType, description, referenceID, referenceType string) (*MutationResult, error) {
	switch txType {
	case storage.TxEarned, storage.TxPurchased, storage.TxBonus:
	default:
		return nil, fmt.Errorf("invalid credit type %q", txType)
	}
	return l.apply(ctx, userID, amount, txType, description, referenceID, referenceType, false)
}

// Refund compensates an earlier debit, keyed by the same reference id.
// Idempotent exactly like Debit so duplicate failure handlers cannot
// double-refund.
func (l *Ledger) Refund(ctx context.Context, userID, amount int64, description, referenceID, reason string) (*MutationResult, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("refund requires a reference id")
	}
	return l.apply(ctx, userID, amount, storage.TxRefund, description, referenceID, reason, true)
}

// FindTransactionByReference returns the first transaction matching the
// reference id, or nil when none exists. Webhook callers use this to make
// credit grants exactly-once per provider event.
func (l *Ledger) FindTransactionByReference(ctx context.Context, userID int64, referenceID string) (*storage.CreditTransaction, error) {
	var txRow storage.CreditTransaction
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND reference_id = ?", userID, referenceID).
		First(&txRow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up transaction by reference: %w", err)
	}
	return &txRow, nil
}

// ListTransactions returns the user's ledger rows, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID int64, limit, offset int) ([]storage.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []storage.CreditTransaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return rows, nil
}

// balanceDelta returns the signed effect of a row on balance and on the
// lifetime counters, keeping balance == lifetime_earned - lifetime_spent.
func balanceDelta(txType storage.TransactionType, amount int64) (balance, earned, spent int64) {
	switch txType {
	case storage.TxSpent:
		return -amount, 0, amount
	case storage.TxRefund:
		return amount, 0, -amount
	default: // earned, purchased, bonus
		return amount, amount, 0
	}
}

func (l *Ledger) apply(ctx context.Context, userID, amount int64, txType storage.TransactionType, description, referenceID, referenceType string, idempotent bool) (*MutationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var res MutationResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotent && referenceID != "" {
			var existing storage.CreditTransaction
			err := tx.Where("user_id = ? AND reference_id = ? AND type = ?", userID, referenceID, txType).
				First(&existing).Error
			if err == nil {
				res = MutationResult{BalanceAfter: existing.BalanceAfter, Duplicate: true}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed idempotency lookup: %w", err)
			}
		}

		now := time.Now().UTC()
		var account storage.CreditAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&account, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			account = storage.CreditAccount{UserID: userID, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(&account).Error; err != nil {
				return fmt.Errorf("failed to create credit account: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to lock credit account: %w", err)
		}

		deltaBalance, deltaEarned, deltaSpent := balanceDelta(txType, amount)
		if deltaBalance < 0 && account.Balance < amount {
			return &InsufficientCreditsError{Required: amount, Current: account.Balance}
		}

		newBalance := account.Balance + deltaBalance
		updates := map[string]interface{}{
			"balance":         newBalance,
			"lifetime_earned": account.LifetimeEarned + deltaEarned,
			"lifetime_spent":  account.LifetimeSpent + deltaSpent,
			"updated_at":      now,
		}
		if err := tx.Model(&storage.CreditAccount{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update credit account: %w", err)
		}

		row := storage.CreditTransaction{
			UserID:        userID,
			Type:          txType,
			Amount:        amount,
			BalanceAfter:  newBalance,
			Description:   description,
			ReferenceID:   referenceID,
			ReferenceType: referenceType,
			CreatedAt:     now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to append transaction row: %w", err)
		}

		res = MutationResult{BalanceAfter: newBalance}
		return nil
	})
	if err != nil {
		var insufficient *InsufficientCreditsError
		if !errors.As(err, &insufficient) {
			l.logger.Error("ledger mutation failed",
				zap.Int64("user_id", userID),
				zap.String("type", string(txType)),
				zap.Int64("amount", amount),
				zap.Error(err))
		}
		return nil, err
	}

	if res.Duplicate {
		l.logger.Info("duplicate ledger mutation ignored",
			zap.Int64("user_id", userID),
			zap.String("type", string(txType)),
			zap.String("reference_id", referenceID))
	}
	return &res, nil
}
