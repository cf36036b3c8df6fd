package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"storefront/models"
	"storefront/psp"
	"storefront/settlement"
	"storefront/store"
)

// Channel drives the redirect-based gateway rail. The PSP issues an authority
// token at registration, the client is redirected out-of-band, and the PSP
// later calls back exactly once with the outcome. Intents on this rail carry
// no deadline; abandoned sessions simply never call back.
type Channel struct {
	store       *store.Store
	coordinator *settlement.Coordinator
	psp         psp.Client
	callbackURL string
	logger      *slog.Logger
}

// New constructs the gateway channel.
func New(st *store.Store, coordinator *settlement.Coordinator, client psp.Client, callbackURL string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		store:       st,
		coordinator: coordinator,
		psp:         client,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// Start registers the intent with the gateway and returns the redirect URL.
// If registration fails the intent is failed immediately so the client can
// retry with a fresh charge.
func (c *Channel) Start(ctx context.Context, intent *models.Intent) (string, error) {
	res, err := c.psp.CreatePayment(ctx, &psp.CreateRequest{
		Amount:      intent.TargetAmount,
		CallbackURL: c.callbackURL,
		Description: fmt.Sprintf("charge %d", intent.TrackID),
		OrderRef:    strconv.FormatInt(intent.TrackID, 10),
	})
	if err != nil {
		if _, failErr := c.coordinator.Fail(ctx, intent.ID, "", models.ChannelStatusDeclined, "gateway registration failed"); failErr != nil && !settlement.IsConflict(failErr) {
			c.logger.Error("failing unregistered gateway intent", "intent", intent.ID.String(), "error", failErr)
		}
		return "", fmt.Errorf("gateway: register payment: %w", err)
	}
	// The authority token is recorded before the redirect so the callback can
	// locate the intent.
	if err := c.store.SetGatewayReference(ctx, intent.ID, res.Authority); err != nil {
		return "", fmt.Errorf("gateway: record authority: %w", err)
	}
	return res.RedirectURL, nil
}

// HandleCallback processes the gateway's one-shot callback. A repeated
// callback for an already-settled intent is acknowledged without any state
// change; the CAS transition makes the credit single-shot regardless of how
// many times the gateway retries.
func (c *Channel) HandleCallback(ctx context.Context, authority string, reportedOK bool) (*models.Intent, error) {
	intent, err := c.store.GetByGatewayAuthority(ctx, authority)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return intent, nil
	}
	if !reportedOK {
		return c.fail(ctx, intent, "gateway reported cancellation")
	}
	verified, err := c.psp.Verify(ctx, authority, intent.TargetAmount)
	if err != nil {
		// Verification is retriable: the gateway will call back again and the
		// client's status poll keeps reporting pending meanwhile.
		return nil, fmt.Errorf("gateway: verify %s: %w", authority, err)
	}
	if !verified.Paid {
		return c.fail(ctx, intent, "gateway declined payment")
	}
	if verified.Amount != intent.TargetAmount {
		// Partial settlement is not supported on this rail.
		return c.fail(ctx, intent, fmt.Sprintf("amount mismatch: verified %d want %d", verified.Amount, intent.TargetAmount))
	}
	settled, err := c.coordinator.Complete(ctx, intent.ID, verified.RefID, models.ChannelStatusConfirmed)
	if err != nil {
		if settlement.IsConflict(err) {
			return c.store.Get(ctx, intent.ID)
		}
		return nil, err
	}
	return settled, nil
}

func (c *Channel) fail(ctx context.Context, intent *models.Intent, reason string) (*models.Intent, error) {
	failed, err := c.coordinator.Fail(ctx, intent.ID, "", models.ChannelStatusDeclined, reason)
	if err != nil {
		if settlement.IsConflict(err) {
			return c.store.Get(ctx, intent.ID)
		}
		return nil, err
	}
	return failed, nil
}
