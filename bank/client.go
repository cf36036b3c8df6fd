package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Deposit is a single incoming transfer observed on the bank session.
type Deposit struct {
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	PostedAt  time.Time `json:"posted_at"`
}

// SessionClient lists recent deposits on the configured bank session. The
// reconciler matches these against open bank-transfer intents.
type SessionClient interface {
	RecentDeposits(ctx context.Context, since time.Time) ([]Deposit, error)
}

// HTTPSessionClient implements SessionClient against the bank-session
// bridge's HTTP API.
type HTTPSessionClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPSessionClient constructs a session client with sane defaults.
func NewHTTPSessionClient(baseURL, apiKey string) *HTTPSessionClient {
	return &HTTPSessionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPSessionClient) RecentDeposits(ctx context.Context, since time.Time) ([]Deposit, error) {
	if c == nil {
		return nil, fmt.Errorf("bank session client not configured")
	}
	u := c.baseURL + "/deposits"
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bank session deposits failed: status=%d", resp.StatusCode)
	}
	var payload struct {
		Deposits []Deposit `json:"deposits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Deposits, nil
}
