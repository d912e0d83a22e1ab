package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelmint/pixelmint/internal/ledger"
	"github.com/pixelmint/pixelmint/internal/storage"
	"go.uber.org/zap"
)

// EventType classifies incoming payment webhook events.
type EventType string

const (
	EventSubscriptionRenewal EventType = "subscription_renewal"
	EventTopUp               EventType = "topup"
	EventBonus               EventType = "bonus"
)

// PaymentEvent is the credit-granting side of a payment provider webhook.
// ID is the provider's event/invoice id and doubles as the idempotency
// reference.
type PaymentEvent struct {
	ID             string
	Type           EventType
	UserID         int64
	Credits        int64
	Description    string
	BonusExpiresAt *time.Time
}

// Ledger is the ledger surface the processor consumes.
type Ledger interface {
	FindTransactionByReference(ctx context.Context, userID int64, referenceID string) (*storage.CreditTransaction, error)
	Credit(ctx context.Context, userID, amount int64, txType storage.TransactionType, description, referenceID, referenceType string) (*ledger.MutationResult, error)
}

// Processor applies webhook-driven credit grants exactly once per provider
// event id. Credit itself is not idempotent, so the processor pre-checks
// for an existing transaction with the same reference before granting; the
// storage layer's unique reference index backs the race window.
type Processor struct {
	ledger Ledger
	lots   *storage.LotStore
	logger *zap.Logger
}

func NewProcessor(l Ledger, lots *storage.LotStore, logger *zap.Logger) *Processor {
	return &Processor{ledger: l, lots: lots, logger: logger}
}

func (p *Processor) transactionType(t EventType) (storage.TransactionType, error) {
	switch t {
	case EventSubscriptionRenewal:
		return storage.TxEarned, nil
	case EventTopUp:
		return storage.TxPurchased, nil
	case EventBonus:
		return storage.TxBonus, nil
	default:
		return "", fmt.Errorf("unknown payment event type %q", t)
	}
}

// HandleEvent grants the event's credits. A duplicate delivery of the same
// event id returns the originally recorded balance without granting again.
func (p *Processor) HandleEvent(ctx context.Context, ev PaymentEvent) (*ledger.MutationResult, error) {
	if ev.ID == "" {
		return nil, fmt.Errorf("payment event id is required")
	}
	if ev.Credits <= 0 {
		return nil, fmt.Errorf("payment event credits must be positive")
	}
	txType, err := p.transactionType(ev.Type)
	if err != nil {
		return nil, err
	}

	existing, err := p.ledger.FindTransactionByReference(ctx, ev.UserID, ev.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.logger.Info("duplicate payment event ignored",
			zap.String("event_id", ev.ID),
			zap.Int64("user_id", ev.UserID))
		return &ledger.MutationResult{BalanceAfter: existing.BalanceAfter, Duplicate: true}, nil
	}

	description := ev.Description
	if description == "" {
		description = fmt.Sprintf("credits from %s", ev.Type)
	}
	res, err := p.ledger.Credit(ctx, ev.UserID, ev.Credits, txType, description, ev.ID, "payment_event")
	if err != nil {
		return nil, fmt.Errorf("failed to grant credits for event %s: %w", ev.ID, err)
	}

	if txType == storage.TxBonus && ev.BonusExpiresAt != nil {
		lot := &storage.CreditExpirationLot{
			UserID:    ev.UserID,
			Amount:    ev.Credits,
			ExpiresAt: ev.BonusExpiresAt.UTC(),
			Reason:    description,
			Status:    storage.LotScheduled,
		}
		if err := p.lots.Create(ctx, lot); err != nil {
			// The grant landed; the lot is bookkeeping for the sweeper.
			p.logger.Error("failed to create expiration lot for bonus grant",
				zap.String("event_id", ev.ID),
				zap.Int64("user_id", ev.UserID),
				zap.Error(err))
		}
	}

	p.logger.Info("payment event credited",
		zap.String("event_id", ev.ID),
		zap.Int64("user_id", ev.UserID),
		zap.String("type", string(ev.Type)),
		zap.Int64("credits", ev.Credits),
		zap.Int64("balance_after", res.BalanceAfter))
	return res, nil
}
