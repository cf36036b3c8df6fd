package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"storefront/chain"
	"storefront/models"
	"storefront/observability"
	"storefront/settlement"
	"storefront/store"
)

// displayPrecision is the number of decimal places shown to the user for the
// amount they must send.
const displayPrecision = 8

// TransferLister is the chain-facing dependency; chain.Scanner satisfies it.
type TransferLister interface {
	IncomingTransfers(ctx context.Context, to common.Address) ([]chain.Transfer, error)
}

// Params freezes everything the client needs to pay on-chain. The crypto
// amount and unit price are computed once here and never recomputed, so the
// amount the user was told to send stays stable however the market moves.
type Params struct {
	WalletAddress   string
	CryptoAmount    string
	CryptoUnitPrice string
	ExpiresAt       time.Time
}

// PriceSource supplies the live crypto/fiat rate; oracle.Oracle satisfies it.
type PriceSource interface {
	Price(asset string, now time.Time) (float64, error)
}

// Channel drives the on-chain rail: a fiat target is converted to a frozen
// crypto amount, the user sends funds to the receiving address, and a watcher
// polls the chain until the transfer confirms or the intent expires.
type Channel struct {
	store       *store.Store
	coordinator *settlement.Coordinator
	prices      PriceSource
	lister      TransferLister
	asset       string
	address     common.Address
	decimals    int
	tolerance   *big.Int
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
	Prices      PriceSource
	Lister      TransferLister
	Asset       string
	Address     common.Address
	Decimals    int
	Tolerance   *big.Int
	Window      time.Duration
	Interval    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// New constructs the crypto channel.
func New(cfg Config) *Channel {
	c := &Channel{
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		prices:      cfg.Prices,
		lister:      cfg.Lister,
		asset:       strings.ToUpper(strings.TrimSpace(cfg.Asset)),
		address:     cfg.Address,
		decimals:    cfg.Decimals,
		tolerance:   cfg.Tolerance,
		window:      cfg.Window,
		interval:    cfg.Interval,
		metrics:     observability.Settlement(),
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if c.decimals <= 0 {
		c.decimals = 6
	}
	if c.tolerance == nil {
		c.tolerance = big.NewInt(0)
	}
	if c.window <= 0 {
		c.window = 15 * time.Minute
	}
	if c.interval <= 0 {
		c.interval = 20 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Quote converts a fiat target into frozen channel parameters using the
// current oracle price. An unavailable price fails the charge request before
// any intent is persisted.
func (c *Channel) Quote(amount int64) (Params, error) {
	now := c.now().UTC()
	price, err := c.prices.Price(c.asset, now)
	if err != nil {
		return Params{}, err
	}
	cryptoAmount, err := convertAmount(price, amount)
	if err != nil {
		return Params{}, err
	}
	return Params{
		WalletAddress:   c.address.Hex(),
		CryptoAmount:    cryptoAmount,
		CryptoUnitPrice: strconv.FormatFloat(price, 'f', -1, 64),
		ExpiresAt:       now.Add(c.window),
	}, nil
}

// Refresh applies the lazy expiry rule and then checks the chain for a
// matching transfer. The status-read path calls this inline so a client poll
// after the deadline observes cancelled/expired even before any background
// sweep has run. Transient chain failures leave the intent untouched.
func (c *Channel) Refresh(ctx context.Context, intent *models.Intent) (*models.Intent, error) {
	intent, err := c.coordinator.ExpireIfDue(ctx, intent)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.StatusPending {
		return intent, nil
	}
	address := common.HexToAddress(intent.WalletAddress)
	transfers, err := c.lister.IncomingTransfers(ctx, address)
	if err != nil {
		c.metrics.RecordChannelError(string(models.ChannelCrypto), "chain_query")
		c.logger.Warn("chain query failed", "intent", intent.ID.String(), "error", err)
		return intent, nil
	}
	if len(transfers) == 0 {
		return intent, nil
	}
	target, err := baseUnits(intent.CryptoAmount, c.decimals)
	if err != nil {
		return nil, fmt.Errorf("crypto: intent %s has invalid amount %q: %w", intent.ID, intent.CryptoAmount, err)
	}
	total := new(big.Int)
	lastHash := ""
	for _, transfer := range transfers {
		if transfer.Amount == nil || transfer.Amount.Sign() <= 0 {
			continue
		}
		total.Add(total, transfer.Amount)
		lastHash = transfer.TxHash.Hex()
	}
	if total.Sign() == 0 {
		return intent, nil
	}

	floor := new(big.Int).Sub(target, c.tolerance)
	ceiling := new(big.Int).Add(target, c.tolerance)
	switch {
	case total.Cmp(floor) >= 0 && total.Cmp(ceiling) <= 0:
		settled, err := c.coordinator.Complete(ctx, intent.ID, lastHash, models.ChannelStatusConfirmed)
		if err != nil {
			if settlement.IsConflict(err) {
				return c.store.Get(ctx, intent.ID)
			}
			return nil, err
		}
		return settled, nil
	case total.Cmp(floor) < 0:
		// Below the band: wait for a supplementary transfer or expiry.
		return c.reportChannelStatus(ctx, intent, models.ChannelStatusUnderpaid)
	default:
		return c.reportChannelStatus(ctx, intent, models.ChannelStatusOverpaid)
	}
}

// Run polls all pending crypto intents until the context is cancelled.
func (c *Channel) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweep(ctx); err != nil {
				c.metrics.RecordReconcileRun(string(models.ChannelCrypto), "error")
				c.logger.Warn("crypto sweep failed", "error", err)
				continue
			}
			c.metrics.RecordReconcileRun(string(models.ChannelCrypto), "ok")
		}
	}
}

func (c *Channel) sweep(ctx context.Context) error {
	pending, err := c.store.ListPendingByChannel(ctx, models.ChannelCrypto)
	if err != nil {
		return err
	}
	for i := range pending {
		if _, err := c.Refresh(ctx, &pending[i]); err != nil {
			c.logger.Warn("refreshing crypto intent", "intent", pending[i].ID.String(), "error", err)
		}
	}
	return nil
}

func (c *Channel) reportChannelStatus(ctx context.Context, intent *models.Intent, status string) (*models.Intent, error) {
	if intent.ChannelStatus == status {
		return intent, nil
	}
	if err := c.store.SetChannelStatus(ctx, intent.ID, status); err != nil {
		if settlement.IsConflict(err) {
			return c.store.Get(ctx, intent.ID)
		}
		return nil, err
	}
	intent.ChannelStatus = status
	return intent, nil
}

// convertAmount computes amount/price rounded down to the display precision.
func convertAmount(price float64, amount int64) (string, error) {
	if price <= 0 {
		return "", fmt.Errorf("crypto: invalid price")
	}
	priceRat := new(big.Rat).SetFloat64(price)
	if priceRat == nil || priceRat.Sign() <= 0 {
		return "", fmt.Errorf("crypto: invalid price")
	}
	fiat := new(big.Rat).SetInt64(amount)
	tokens := new(big.Rat).Quo(fiat, priceRat)
	if tokens.Sign() <= 0 {
		return "", fmt.Errorf("crypto: calculated amount is non-positive")
	}
	return formatRat(tokens, displayPrecision), nil
}

func formatRat(r *big.Rat, precision int) string {
	text := r.FloatString(precision)
	text = strings.TrimRight(text, "0")
	text = strings.TrimRight(text, ".")
	if text == "" {
		text = "0"
	}
	return text
}

// baseUnits converts a decimal token amount into integer base units.
func baseUnits(amount string, decimals int) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	// Truncate any remainder finer than one base unit.
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
