package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Source is an upstream price feed queried by the poller.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset, quote string) (float64, error)
}

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey string, assets map[string]string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "coingecko":
		return newCoinGeckoSource(r.client(), name, endpoint, assets), nil
	case "ticker":
		return newTickerSource(r.client(), name, endpoint, apiKey), nil
	default:
		return nil, fmt.Errorf("oracle: unknown source type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type coinGeckoSource struct {
	name     string
	client   *http.Client
	endpoint string
	assets   map[string]string
}

func newCoinGeckoSource(client *http.Client, name, endpoint string, assets map[string]string) Source {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = "https://api.coingecko.com/api/v3"
	}
	return &coinGeckoSource{
		name:     label(name, "coingecko"),
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		assets:   assets,
	}
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) Fetch(ctx context.Context, asset, quote string) (float64, error) {
	id := s.assets[strings.ToUpper(asset)]
	if id == "" {
		id = strings.ToLower(asset)
	}
	vs := strings.ToLower(quote)
	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s", s.endpoint, url.QueryEscape(id), url.QueryEscape(vs))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("oracle: coingecko status=%d", resp.StatusCode)
	}
	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	price, ok := payload[id][vs]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("oracle: coingecko missing %s/%s", id, vs)
	}
	return price, nil
}

// tickerSource queries a generic exchange ticker endpoint returning
// {"symbol": ..., "price": ...}. Local exchanges publishing Rial pairs use
// this shape.
type tickerSource struct {
	name     string
	client   *http.Client
	endpoint string
	apiKey   string
}

func newTickerSource(client *http.Client, name, endpoint, apiKey string) Source {
	return &tickerSource{
		name:     label(name, "ticker"),
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
	}
}

func (s *tickerSource) Name() string { return s.name }

func (s *tickerSource) Fetch(ctx context.Context, asset, quote string) (float64, error) {
	symbol := strings.ToUpper(asset) + strings.ToUpper(quote)
	u := fmt.Sprintf("%s/ticker?symbol=%s", s.endpoint, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("oracle: ticker %s status=%d", symbol, resp.StatusCode)
	}
	var payload struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	if payload.Price <= 0 {
		return 0, fmt.Errorf("oracle: ticker %s returned non-positive price", symbol)
	}
	return payload.Price, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
