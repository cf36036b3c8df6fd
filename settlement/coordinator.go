package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"storefront/models"
	"storefront/observability"
	"storefront/store"
	"storefront/wallet"
)

// Notifier receives settled/failed intents after the transition committed.
// Dispatch happens asynchronously and is best-effort; errors are logged and
// never roll anything back.
type Notifier interface {
	IntentSettled(ctx context.Context, intent *models.Intent) error
}

// Coordinator is the only component allowed to finalise intents. Every
// completion couples the status transition with its side effect (wallet
// credit or order fulfilment) in one database transaction.
type Coordinator struct {
	db       *gorm.DB
	store    *store.Store
	ledger   *wallet.Ledger
	notifier Notifier
	metrics  *observability.SettlementMetrics
	logger   *slog.Logger
	now      func() time.Time
	notifyWG sync.WaitGroup
}

// Config captures the coordinator dependencies.
type Config struct {
	DB       *gorm.DB
	Store    *store.Store
	Ledger   *wallet.Ledger
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// New constructs a coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		db:       cfg.DB,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		metrics:  observability.Settlement(),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// IsConflict reports whether the error is the expected loss of a transition
// race. Callers treat it as a no-op.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrNotPending)
}

// Complete finalises a pending intent as settled. For wallet top-ups the
// credit is applied in the same transaction as the status flip; for purchases
// the order is marked paid and handed to the delivery workflow. Exactly one
// of N concurrent attempts succeeds; the rest receive store.ErrNotPending.
func (c *Coordinator) Complete(ctx context.Context, intentID uuid.UUID, externalRef, channelStatus string) (*models.Intent, error) {
	var settled *models.Intent
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := c.store.ApplyTransition(tx, intentID, store.TransitionResult{
			To:            models.StatusCompleted,
			ExternalRef:   externalRef,
			ChannelStatus: channelStatus,
		})
		if err != nil {
			return err
		}
		switch intent.Purpose {
		case models.PurposeWalletTopup:
			if _, err := c.ledger.CreditTx(tx, intent.UserID, intent.TargetAmount); err != nil {
				return err
			}
		case models.PurposePurchase:
			if err := c.markOrderPaid(tx, intent); err != nil {
				return err
			}
		default:
			return fmt.Errorf("settlement: unknown purpose %q", intent.Purpose)
		}
		settled = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTransition(string(settled.Channel), string(models.StatusCompleted))
	if settled.Purpose == models.PurposeWalletTopup {
		c.metrics.RecordWalletCredit(settled.TargetAmount)
	}
	c.dispatchNotification(ctx, settled)
	return settled, nil
}

// Fail finalises a pending intent as failed (terminal external decline).
func (c *Coordinator) Fail(ctx context.Context, intentID uuid.UUID, externalRef, channelStatus, reason string) (*models.Intent, error) {
	return c.finalize(ctx, intentID, store.TransitionResult{
		To:            models.StatusFailed,
		ExternalRef:   externalRef,
		ChannelStatus: channelStatus,
		Reason:        reason,
	})
}

// Cancel finalises a pending intent as cancelled (expiry or user abort).
func (c *Coordinator) Cancel(ctx context.Context, intentID uuid.UUID, channelStatus, reason string) (*models.Intent, error) {
	return c.finalize(ctx, intentID, store.TransitionResult{
		To:            models.StatusCancelled,
		ChannelStatus: channelStatus,
		Reason:        reason,
	})
}

// ExpireIfDue applies the lazy expiry rule: a pending intent past its
// deadline is cancelled before anything else may happen to it. Both the
// reconciliation loops and the status-read path call this first, so the two
// can race; the CAS keeps the outcome single-shot. The returned intent
// reflects the state after the check.
func (c *Coordinator) ExpireIfDue(ctx context.Context, intent *models.Intent) (*models.Intent, error) {
	if intent == nil {
		return nil, fmt.Errorf("settlement: intent required")
	}
	if intent.Status != models.StatusPending || !intent.Expired(c.now()) {
		return intent, nil
	}
	cancelled, err := c.Cancel(ctx, intent.ID, models.ChannelStatusExpired, "deadline elapsed")
	if err != nil {
		if IsConflict(err) {
			// Another path finalised it first; report the settled state.
			return c.store.Get(ctx, intent.ID)
		}
		return nil, err
	}
	return cancelled, nil
}

func (c *Coordinator) finalize(ctx context.Context, intentID uuid.UUID, res store.TransitionResult) (*models.Intent, error) {
	intent, err := c.store.Transition(ctx, intentID, res)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTransition(string(intent.Channel), string(res.To))
	c.dispatchNotification(ctx, intent)
	return intent, nil
}

func (c *Coordinator) markOrderPaid(tx *gorm.DB, intent *models.Intent) error {
	if intent.OrderID == nil {
		return fmt.Errorf("settlement: purchase intent %s has no order", intent.ID)
	}
	now := c.now().UTC()
	res := tx.Model(&models.Order{}).
		Where("id = ? AND paid = ?", *intent.OrderID, false).
		Updates(map[string]interface{}{
			"paid":            true,
			"delivery_status": models.DeliveryStatusReceived,
			"paid_at":         now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// The intent CAS already won, so a paid order here means the order
		// was settled through another intent; keep the transition.
		return nil
	}
	return nil
}

// dispatchNotification posts the settled intent off the request path. The
// transition has already committed, so the caller never waits on the
// endpoint; cancellation of the request context must not abort the post.
func (c *Coordinator) dispatchNotification(ctx context.Context, intent *models.Intent) {
	if c.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.notifyWG.Add(1)
	go func() {
		defer c.notifyWG.Done()
		if err := c.notifier.IntentSettled(ctx, intent); err != nil {
			c.metrics.RecordNotification("error")
			c.logger.Error("notification dispatch failed",
				"intent", intent.ID.String(),
				"track_id", intent.TrackID,
				"status", string(intent.Status),
				"error", err)
			return
		}
		c.metrics.RecordNotification("ok")
	}()
}

// Drain blocks until all in-flight notification dispatches have finished.
// Called on shutdown so settled intents are not announced late or never.
func (c *Coordinator) Drain() {
	c.notifyWG.Wait()
}
