package oracle

import (
	"errors"
	"testing"
	"time"
)

func TestPriceMedianOfFreshFeeds(t *testing.T) {
	now := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	o := New(time.Minute, 0, 0)
	o.Update("USDT", "a", 600_000, now)
	o.Update("USDT", "b", 601_000, now)
	o.Update("USDT", "c", 602_000, now)

	price, err := o.Price("USDT", now)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 601_000 {
		t.Fatalf("expected median 601000, got %f", price)
	}
}

func TestPriceIgnoresStaleSamples(t *testing.T) {
	now := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	o := New(time.Minute, 0, 0)
	o.Update("USDT", "stale", 100, now.Add(-2*time.Minute))
	o.Update("USDT", "fresh", 600_000, now)

	price, err := o.Price("USDT", now)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 600_000 {
		t.Fatalf("stale sample leaked into median: %f", price)
	}

	// With every sample stale there is no usable price.
	if _, err := o.Price("USDT", now.Add(5*time.Minute)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestPriceDiscardsOutliers(t *testing.T) {
	now := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	o := New(time.Minute, 0.05, 0)
	o.Update("USDT", "a", 600_000, now)
	o.Update("USDT", "b", 602_000, now)
	o.Update("USDT", "rogue", 1_200_000, now)

	price, err := o.Price("USDT", now)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 601_000 {
		t.Fatalf("outlier moved the median: %f", price)
	}
}

func TestPriceCircuitBreaker(t *testing.T) {
	now := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	o := New(time.Minute, 0, 0.2)
	o.Update("USDT", "a", 600_000, now)
	if _, err := o.Price("USDT", now); err != nil {
		t.Fatalf("seed price: %v", err)
	}

	// A 50% jump trips the breaker even though the sample is fresh.
	o.Update("USDT", "a", 900_000, now.Add(time.Second))
	if _, err := o.Price("USDT", now.Add(time.Second)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected breaker to trip, got %v", err)
	}

	// A move within the band is accepted.
	o.Update("USDT", "a", 660_000, now.Add(2*time.Second))
	price, err := o.Price("USDT", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("price within band: %v", err)
	}
	if price != 660_000 {
		t.Fatalf("expected 660000, got %f", price)
	}
}

func TestPriceUnknownAsset(t *testing.T) {
	o := New(time.Minute, 0, 0)
	if _, err := o.Price("BTC", time.Now()); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}
