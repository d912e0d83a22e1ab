package storage

import (
	"time"
)

// TransactionType is the business reason for a ledger row.
type TransactionType string

const (
	TxEarned    TransactionType = "earned"
	TxPurchased TransactionType = "purchased"
	TxBonus     TransactionType = "bonus"
	TxSpent     TransactionType = "spent"
	TxRefund    TransactionType = "refund"
)

// Signed returns the amount's effect on the balance for this type.
func (t TransactionType) Signed(amount int64) int64 {
	switch t {
	case TxSpent:
		return -amount
	default:
		return amount
	}
}

// CreditAccount is the authoritative balance row, one per user. Created
// lazily on first read; mutated only through ledger operations; never
// deleted. Invariant: Balance == LifetimeEarned - LifetimeSpent >= 0.
type CreditAccount struct {
	UserID         int64 `gorm:"primaryKey"`
	Balance        int64
	LifetimeEarned int64
	LifetimeSpent  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreditTransaction is one append-only ledger row. Immutable once written.
// ReferenceID correlates the row to the business event that caused it and
// backs idempotency for spent/refund rows.
type CreditTransaction struct {
	ID            int64 `gorm:"primaryKey;autoIncrement"`
	UserID        int64 `gorm:"index"`
	Type          TransactionType
	Amount        int64 // positive magnitude
	BalanceAfter  int64 // snapshot after applying this row
	Description   string
	ReferenceID   string
	ReferenceType string
	CreatedAt     time.Time
}

type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// Generation tracks one generation request through its lifecycle.
type Generation struct {
	ID                string `gorm:"primaryKey"`
	UserID            int64  `gorm:"index"`
	GenerationType    string
	Status            GenerationStatus
	CreditsUsed       int64
	StorageKey        string
	StorageURL        string
	Prompt            string
	Settings          string // kind-specific settings, JSON-encoded
	ErrorMessage      string
	ProviderRequestID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type LotStatus string

const (
	LotScheduled LotStatus = "scheduled"
	LotPending   LotStatus = "pending"
	LotCompleted LotStatus = "completed"
	LotFailed    LotStatus = "failed"
)

// CreditExpirationLot is a time-bound bonus grant. The sweeper spends any
// unconsumed remainder at expiry; it never represents more than Amount
// consumable credits.
type CreditExpirationLot struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	UserID         int64 `gorm:"index"`
	Amount         int64
	ConsumedAmount int64
	ExpiresAt      time.Time `gorm:"index"`
	Reason         string
	Status         LotStatus
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
