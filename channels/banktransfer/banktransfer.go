package banktransfer

import (
	"context"
	"log/slog"
	"time"

	"storefront/bank"
	"storefront/models"
	"storefront/observability"
	"storefront/settlement"
	"storefront/store"
)

// Params is what the client is shown to complete a card-to-card transfer:
// the destination SHABA and the literal amount to send. No disambiguation
// suffix is added, so equal amounts across open intents are possible and the
// reconciler resolves them oldest first.
type Params struct {
	ShabaNumber string
	ExactAmount int64
	ExpiresAt   time.Time
}

// Channel reconciles human bank transfers against open intents. A background
// pass lists recent deposits on the bank session and matches each one to the
// oldest still-pending intent with an equal amount.
type Channel struct {
	store       *store.Store
	coordinator *settlement.Coordinator
	session     bank.SessionClient
	shaba       string
	ttl         time.Duration
	window      time.Duration
	interval    time.Duration
	metrics     *observability.SettlementMetrics
	logger      *slog.Logger
	now         func() time.Time
}

// Config captures the channel dependencies.
type Config struct {
	Store       *store.Store
	Coordinator *settlement.Coordinator
	Session     bank.SessionClient
	ShabaNumber string
	IntentTTL   time.Duration
	Window      time.Duration
	Interval    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// New constructs the bank-transfer channel.
func New(cfg Config) *Channel {
	c := &Channel{
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		session:     cfg.Session,
		shaba:       cfg.ShabaNumber,
		ttl:         cfg.IntentTTL,
		window:      cfg.Window,
		interval:    cfg.Interval,
		metrics:     observability.Settlement(),
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if c.ttl <= 0 {
		c.ttl = time.Hour
	}
	if c.window <= 0 {
		c.window = 2 * c.ttl
	}
	if c.interval <= 0 {
		c.interval = 30 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Start returns the transfer parameters for a new intent. The exact amount
// is the literal target amount.
func (c *Channel) Start(amount int64) Params {
	return Params{
		ShabaNumber: c.shaba,
		ExactAmount: amount,
		ExpiresAt:   c.now().UTC().Add(c.ttl),
	}
}

// IntentTTL exposes the configured deadline for new intents.
func (c *Channel) IntentTTL() time.Duration { return c.ttl }

// Run reconciles on a fixed cadence until the context is cancelled.
func (c *Channel) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				c.metrics.RecordReconcileRun(string(models.ChannelBankTransfer), "error")
				c.logger.Warn("bank transfer reconcile failed", "error", err)
				continue
			}
			c.metrics.RecordReconcileRun(string(models.ChannelBankTransfer), "ok")
		}
	}
}

// Reconcile performs a single pass: expire overdue intents, then match
// recent deposits to the remaining open ones. Matching is strictly oldest
// first so amount collisions resolve deterministically.
func (c *Channel) Reconcile(ctx context.Context) error {
	pending, err := c.store.ListPendingByChannel(ctx, models.ChannelBankTransfer)
	if err != nil {
		return err
	}
	open := make([]models.Intent, 0, len(pending))
	for i := range pending {
		intent, err := c.coordinator.ExpireIfDue(ctx, &pending[i])
		if err != nil {
			c.logger.Warn("expiring bank transfer intent", "intent", pending[i].ID.String(), "error", err)
			continue
		}
		if intent.Status == models.StatusPending {
			open = append(open, *intent)
		}
	}

	deposits, err := c.session.RecentDeposits(ctx, c.now().UTC().Add(-c.window))
	if err != nil {
		return err
	}
	for _, deposit := range deposits {
		if deposit.Reference == "" || deposit.Amount <= 0 {
			continue
		}
		consumed, err := c.store.HasCompletedRef(ctx, deposit.Reference)
		if err != nil {
			return err
		}
		if consumed {
			continue
		}
		idx := matchOldest(open, deposit.Amount)
		if idx < 0 {
			continue
		}
		intent := open[idx]
		if _, err := c.coordinator.Complete(ctx, intent.ID, deposit.Reference, models.ChannelStatusConfirmed); err != nil {
			if settlement.IsConflict(err) {
				open = append(open[:idx], open[idx+1:]...)
				continue
			}
			return err
		}
		c.logger.Info("bank deposit matched",
			"intent", intent.ID.String(),
			"track_id", intent.TrackID,
			"amount", deposit.Amount,
			"reference", deposit.Reference)
		open = append(open[:idx], open[idx+1:]...)
	}
	return nil
}

// matchOldest returns the index of the oldest open intent with an equal
// amount, or -1. The slice is already ordered oldest first by the store.
func matchOldest(open []models.Intent, amount int64) int {
	for i := range open {
		if open[i].TargetAmount == amount {
			return i
		}
	}
	return -1
}
