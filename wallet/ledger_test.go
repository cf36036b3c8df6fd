package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"storefront/models"
)

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestCreditAccumulates(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db)
	ctx := context.Background()
	userID := uuid.New()

	balance, err := ledger.Credit(ctx, userID, 40_000)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if balance != 40_000 {
		t.Fatalf("expected balance 40000, got %d", balance)
	}
	balance, err = ledger.Credit(ctx, userID, 2_500)
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if balance != 42_500 {
		t.Fatalf("expected balance 42500, got %d", balance)
	}

	stored, err := ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if stored != 42_500 {
		t.Fatalf("stored balance %d does not match credits", stored)
	}
}

func TestCreditRejectsNonPositiveAmounts(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db)
	ctx := context.Background()
	userID := uuid.New()

	for _, amount := range []int64{0, -1, -40_000} {
		if _, err := ledger.Credit(ctx, userID, amount); !errors.Is(err, ErrNonPositiveAmount) {
			t.Fatalf("amount %d: expected ErrNonPositiveAmount, got %v", amount, err)
		}
	}
	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected untouched balance, got %d", balance)
	}
}

func TestBalanceDefaultsToZero(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db)

	balance, err := ledger.Balance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected zero balance for unknown account, got %d", balance)
	}
}

func TestCreditTxRollsBackWithTransaction(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db)
	ctx := context.Background()
	userID := uuid.New()

	sentinel := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := ledger.CreditTx(tx, userID, 10_000); err != nil {
			t.Fatalf("credit in tx: %v", err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("credit survived rollback: %d", balance)
	}
}
