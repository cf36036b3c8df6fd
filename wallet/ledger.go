package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storefront/models"
)

// ErrNonPositiveAmount rejects zero or negative credits.
var ErrNonPositiveAmount = errors.New("wallet: amount must be positive")

// Ledger manages wallet balances. Accounts are created lazily on first
// credit; the balance is only ever mutated through CreditTx so it stays equal
// to the sum of settled top-ups.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger backed by the provided database.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithClock overrides the timestamp source, primarily for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.now = clock
	return l
}

// Credit atomically increments a user's balance and returns the new value.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	var balance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = l.CreditTx(tx, userID, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// CreditTx applies the credit inside the caller's transaction. The settlement
// coordinator uses this so the wallet credit and the intent transition commit
// or roll back together.
func (l *Ledger) CreditTx(tx *gorm.DB, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrNonPositiveAmount, amount)
	}
	if userID == uuid.Nil {
		return 0, fmt.Errorf("wallet: user id required")
	}
	now := l.now().UTC()
	account := models.WalletAccount{UserID: userID, Balance: 0, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
		return 0, fmt.Errorf("wallet: ensure account: %w", err)
	}
	res := tx.Model(&models.WalletAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("wallet: credit: %w", res.Error)
	}
	var updated models.WalletAccount
	if err := tx.First(&updated, "user_id = ?", userID).Error; err != nil {
		return 0, fmt.Errorf("wallet: read balance: %w", err)
	}
	return updated.Balance, nil
}

// Balance returns the current balance, zero for users without an account yet.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var account models.WalletAccount
	err := l.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}
