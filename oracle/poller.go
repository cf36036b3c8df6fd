package oracle

import (
	"context"
	"log/slog"
	"time"

	"storefront/observability"
)

// Poller refreshes the oracle from all configured sources on a fixed cadence.
// Transient source failures are logged and retried on the next cycle.
type Poller struct {
	oracle   *Oracle
	sources  []Source
	asset    string
	quote    string
	interval time.Duration
	metrics  *observability.SettlementMetrics
	logger   *slog.Logger
}

// NewPoller constructs a poller for a single asset/quote pair.
func NewPoller(oracle *Oracle, sources []Source, asset, quote string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		oracle:   oracle,
		sources:  sources,
		asset:    asset,
		quote:    quote,
		interval: interval,
		metrics:  observability.Settlement(),
		logger:   logger,
	}
}

// Run polls until the context is cancelled. The first cycle runs immediately
// so a price is available as soon as possible after startup.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	now := time.Now().UTC()
	for _, src := range p.sources {
		price, err := src.Fetch(ctx, p.asset, p.quote)
		if err != nil {
			p.metrics.RecordChannelError("crypto", "oracle_fetch")
			p.logger.Warn("oracle source fetch failed", "source", src.Name(), "asset", p.asset, "error", err)
			continue
		}
		p.oracle.Update(p.asset, src.Name(), price, now)
	}
	if median, err := p.oracle.Price(p.asset, now); err == nil {
		p.metrics.SetOraclePrice(p.asset, median)
	}
}
