package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"storefront/models"
	"storefront/psp"
	"storefront/settlement"
	"storefront/store"
	"storefront/wallet"
)

type stubPSP struct {
	createResult *psp.CreateResult
	createErr    error
	verifyResult *psp.VerifyResult
	verifyErr    error
	verifyCalls  int
}

func (s *stubPSP) CreatePayment(_ context.Context, _ *psp.CreateRequest) (*psp.CreateResult, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.createResult, nil
}

func (s *stubPSP) Verify(_ context.Context, _ string, _ int64) (*psp.VerifyResult, error) {
	s.verifyCalls++
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.verifyResult, nil
}

type fixture struct {
	store       *store.Store
	ledger      *wallet.Ledger
	coordinator *settlement.Coordinator
	psp         *stubPSP
	channel     *Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{psp: &stubPSP{}}
	f.store = store.New(db)
	f.ledger = wallet.New(db)
	f.coordinator = settlement.New(settlement.Config{DB: db, Store: f.store, Ledger: f.ledger})
	f.channel = New(f.store, f.coordinator, f.psp, "https://shop.example.com/webhooks/gateway", nil)
	return f
}

func (f *fixture) openIntent(t *testing.T, userID uuid.UUID, amount int64) *models.Intent {
	t.Helper()
	intent, err := f.store.CreateIntent(context.Background(), store.CreateParams{
		UserID:        userID,
		Purpose:       models.PurposeWalletTopup,
		Channel:       models.ChannelGateway,
		Amount:        amount,
		ChannelStatus: models.ChannelStatusAwaitingRedirect,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent
}

func TestStartRecordsAuthorityAndReturnsRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.openIntent(t, uuid.New(), 50_000)

	f.psp.createResult = &psp.CreateResult{Authority: "A-100", RedirectURL: "https://pay.example.com/A-100"}
	redirect, err := f.channel.Start(ctx, intent)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if redirect != "https://pay.example.com/A-100" {
		t.Fatalf("unexpected redirect %s", redirect)
	}
	reloaded, err := f.store.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.GatewayAuthority != "A-100" {
		t.Fatalf("authority not recorded: %s", reloaded.GatewayAuthority)
	}
	if reloaded.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", reloaded.Status)
	}
}

func TestStartRegistrationFailureFailsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.openIntent(t, uuid.New(), 50_000)

	f.psp.createErr = errors.New("gateway unreachable")
	if _, err := f.channel.Start(ctx, intent); err == nil {
		t.Fatal("expected start to fail")
	}
	reloaded, err := f.store.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", reloaded.Status)
	}
}

func TestHandleCallbackCompletesVerifiedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	intent := f.openIntent(t, userID, 50_000)

	f.psp.createResult = &psp.CreateResult{Authority: "A-200", RedirectURL: "https://pay.example.com/A-200"}
	if _, err := f.channel.Start(ctx, intent); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.psp.verifyResult = &psp.VerifyResult{RefID: "REF-7", Amount: 50_000, Paid: true}
	settled, err := f.channel.HandleCallback(ctx, "A-200", true)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if settled.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}
	if settled.ExternalRef != "REF-7" {
		t.Fatalf("expected verification ref recorded, got %s", settled.ExternalRef)
	}
	if settled.GatewayAuthority != "A-200" {
		t.Fatalf("settlement dropped the authority: %s", settled.GatewayAuthority)
	}
	balance, err := f.ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 50_000 {
		t.Fatalf("expected 50000 credited, got %d", balance)
	}
}

func TestHandleCallbackReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	intent := f.openIntent(t, userID, 50_000)

	f.psp.createResult = &psp.CreateResult{Authority: "A-300", RedirectURL: "https://pay.example.com/A-300"}
	if _, err := f.channel.Start(ctx, intent); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.psp.verifyResult = &psp.VerifyResult{RefID: "REF-7", Amount: 50_000, Paid: true}
	if _, err := f.channel.HandleCallback(ctx, "A-300", true); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	verifyCalls := f.psp.verifyCalls

	// The gateway retries the callback. The settled intent is acknowledged
	// without a second verification or credit.
	replayed, err := f.channel.HandleCallback(ctx, "A-300", true)
	if err != nil {
		t.Fatalf("replayed callback: %v", err)
	}
	if replayed.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", replayed.Status)
	}
	if replayed.ExternalRef != "REF-7" || replayed.GatewayAuthority != "A-300" {
		t.Fatalf("replay returned wrong references: ref=%s authority=%s", replayed.ExternalRef, replayed.GatewayAuthority)
	}
	if f.psp.verifyCalls != verifyCalls {
		t.Fatal("replay triggered a second verification")
	}
	balance, err := f.ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 50_000 {
		t.Fatalf("replay double credited: %d", balance)
	}
}

func TestHandleCallbackCancellationFailsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.openIntent(t, uuid.New(), 50_000)

	f.psp.createResult = &psp.CreateResult{Authority: "A-400", RedirectURL: "https://pay.example.com/A-400"}
	if _, err := f.channel.Start(ctx, intent); err != nil {
		t.Fatalf("start: %v", err)
	}
	failed, err := f.channel.HandleCallback(ctx, "A-400", false)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if f.psp.verifyCalls != 0 {
		t.Fatal("cancellation must not trigger verification")
	}
}

func TestHandleCallbackAmountMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	intent := f.openIntent(t, userID, 50_000)

	f.psp.createResult = &psp.CreateResult{Authority: "A-500", RedirectURL: "https://pay.example.com/A-500"}
	if _, err := f.channel.Start(ctx, intent); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.psp.verifyResult = &psp.VerifyResult{RefID: "REF-9", Amount: 49_000, Paid: true}
	failed, err := f.channel.HandleCallback(ctx, "A-500", true)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("expected failed on mismatch, got %s", failed.Status)
	}
	balance, err := f.ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("mismatched payment credited wallet: %d", balance)
	}
}

func TestHandleCallbackVerificationErrorIsRetriable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := f.openIntent(t, uuid.New(), 50_000)

	f.psp.createResult = &psp.CreateResult{Authority: "A-600", RedirectURL: "https://pay.example.com/A-600"}
	if _, err := f.channel.Start(ctx, intent); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.psp.verifyErr = errors.New("verify timeout")
	if _, err := f.channel.HandleCallback(ctx, "A-600", true); err == nil {
		t.Fatal("expected verification error to propagate")
	}
	reloaded, err := f.store.Get(ctx, intent.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StatusPending {
		t.Fatalf("verification error finalised the intent: %s", reloaded.Status)
	}
}

func TestHandleCallbackUnknownAuthority(t *testing.T) {
	f := newFixture(t)
	if _, err := f.channel.HandleCallback(context.Background(), "A-999", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
