package oracle

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// PriceSample captures a single price observation from one feed.
type PriceSample struct {
	Value     float64
	Timestamp time.Time
}

// ErrPriceUnavailable indicates the oracle cannot provide a usable price.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Oracle maintains a set of price feeds per asset and exposes resilient
// median pricing. Samples older than the TTL are ignored, outliers beyond the
// deviation cap are discarded, and a circuit breaker rejects medians that
// jump too far from the last accepted value.
type Oracle struct {
	mu           sync.RWMutex
	ttl          time.Duration
	maxDeviation float64
	breaker      float64
	feeds        map[string]map[string]PriceSample
	lastAccepted map[string]float64
}

// New creates a median oracle.
func New(ttl time.Duration, maxDeviation, breaker float64) *Oracle {
	return &Oracle{
		ttl:          ttl,
		maxDeviation: maxDeviation,
		breaker:      breaker,
		feeds:        make(map[string]map[string]PriceSample),
		lastAccepted: make(map[string]float64),
	}
}

// Update records a new price observation for a feed.
func (o *Oracle) Update(asset, feed string, value float64, observed time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.feeds[asset]; !ok {
		o.feeds[asset] = make(map[string]PriceSample)
	}
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	o.feeds[asset][feed] = PriceSample{Value: value, Timestamp: observed}
}

// Price computes the median price for the asset at the supplied time.
func (o *Oracle) Price(asset string, now time.Time) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	feeds, ok := o.feeds[asset]
	if !ok || len(feeds) == 0 {
		return 0, ErrPriceUnavailable
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var values []float64
	for _, sample := range feeds {
		if now.Sub(sample.Timestamp) > o.ttl {
			continue
		}
		values = append(values, sample.Value)
	}
	if len(values) == 0 {
		return 0, ErrPriceUnavailable
	}
	median := medianOf(values)
	if median <= 0 {
		return 0, ErrPriceUnavailable
	}
	if o.maxDeviation > 0 {
		filtered := make([]float64, 0, len(values))
		for _, v := range values {
			diff := absFloat((v - median) / median)
			if diff <= o.maxDeviation {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 {
			return 0, ErrPriceUnavailable
		}
		median = medianOf(filtered)
	}
	if prev, ok := o.lastAccepted[asset]; ok && o.breaker > 0 {
		diff := absFloat((median - prev) / prev)
		if diff > o.breaker {
			return 0, ErrPriceUnavailable
		}
	}
	o.lastAccepted[asset] = median
	return median, nil
}

func medianOf(values []float64) float64 {
	sort.Float64s(values)
	median := values[len(values)/2]
	if len(values)%2 == 0 {
		median = (values[len(values)/2-1] + values[len(values)/2]) / 2
	}
	return median
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
