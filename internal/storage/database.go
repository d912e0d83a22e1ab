package storage

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const (
	createCreditAccountsTableSQL = `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id INTEGER PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		lifetime_earned INTEGER NOT NULL DEFAULT 0,
		lifetime_spent INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	createCreditTransactionsTableSQL = `
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		reference_type TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`

	createGenerationsTableSQL = `
	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		generation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		credits_used INTEGER NOT NULL DEFAULT 0,
		storage_key TEXT NOT NULL DEFAULT '',
		storage_url TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		provider_request_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	createExpirationLotsTableSQL = `
	CREATE TABLE IF NOT EXISTS credit_expiration_lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		consumed_amount INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	createTransactionsUserIndexSQL = `CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_id ON credit_transactions (user_id);`

	// Duplicate debit/refund/spend attempts for the same business event are
	// rejected at the storage layer, not just by application checks.
	createTransactionsReferenceIndexSQL = `
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_reference
	ON credit_transactions (user_id, reference_id, type) WHERE reference_id != '';`

	createGenerationsUserIndexSQL = `CREATE INDEX IF NOT EXISTS idx_generations_user_id ON generations (user_id);`
	createLotsDueIndexSQL         = `CREATE INDEX IF NOT EXISTS idx_credit_expiration_lots_due ON credit_expiration_lots (status, expires_at);`
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	zap.L().Info("Running database migrations...")
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	zap.L().Info("Database migration completed.")

	return db, nil
}

func runMigrations(db *sql.DB) error {
	statements := []string{
		createCreditAccountsTableSQL,
		createCreditTransactionsTableSQL,
		createGenerationsTableSQL,
		createExpirationLotsTableSQL,
		createTransactionsUserIndexSQL,
		createTransactionsReferenceIndexSQL,
		createGenerationsUserIndexSQL,
		createLotsDueIndexSQL,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration statement: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// OpenGorm wraps an already-open connection in a gorm session so queries and
// transactions share the migrated pool.
func OpenGorm(db *sql.DB) (*gorm.DB, error) {
	gdb, err := gorm.Open(&gormsqlite.Dialector{Conn: db}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}
	return gdb, nil
}

// Open is the convenience path used by commands and tests: migrate, then
// hand back a gorm session.
func Open(dbPath string) (*gorm.DB, error) {
	sqlDB, err := InitDB(dbPath)
	if err != nil {
		return nil, err
	}
	return OpenGorm(sqlDB)
}
