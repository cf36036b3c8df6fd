package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client defines the subset of the payment-gateway API the service requires.
type Client interface {
	CreatePayment(ctx context.Context, req *CreateRequest) (*CreateResult, error)
	Verify(ctx context.Context, authority string, amount int64) (*VerifyResult, error)
}

// CreateRequest registers a redirect payment with the gateway.
type CreateRequest struct {
	Amount      int64  `json:"amount"`
	CallbackURL string `json:"callback_url"`
	Description string `json:"description,omitempty"`
	OrderRef    string `json:"order_ref"`
}

// CreateResult carries the authority token and the URL the client is sent to.
type CreateResult struct {
	Authority   string
	RedirectURL string
}

// VerifyResult is the gateway's answer when a callback is re-verified.
type VerifyResult struct {
	RefID  string
	Amount int64
	Paid   bool
}

// HTTPClient implements Client against the gateway's HTTP API.
type HTTPClient struct {
	merchantID string
	baseURL    string
	payURL     string
	http       *http.Client
}

// NewHTTPClient constructs an HTTP client with sane defaults. payURL is the
// redirect base the authority token is appended to.
func NewHTTPClient(baseURL, payURL, merchantID string) *HTTPClient {
	return &HTTPClient{
		merchantID: merchantID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		payURL:     strings.TrimRight(payURL, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) CreatePayment(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	payload := map[string]interface{}{
		"merchant_id":  c.merchantID,
		"amount":       req.Amount,
		"callback_url": req.CallbackURL,
		"description":  req.Description,
		"order_ref":    req.OrderRef,
	}
	var resp struct {
		Authority string `json:"authority"`
		Code      int    `json:"code"`
	}
	if err := c.post(ctx, "/payment/request", payload, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Authority) == "" {
		return nil, fmt.Errorf("psp: request returned no authority (code=%d)", resp.Code)
	}
	return &CreateResult{
		Authority:   resp.Authority,
		RedirectURL: c.payURL + "/" + resp.Authority,
	}, nil
}

func (c *HTTPClient) Verify(ctx context.Context, authority string, amount int64) (*VerifyResult, error) {
	payload := map[string]interface{}{
		"merchant_id": c.merchantID,
		"authority":   authority,
		"amount":      amount,
	}
	var resp struct {
		RefID  string `json:"ref_id"`
		Amount int64  `json:"amount"`
		Status string `json:"status"`
		Code   int    `json:"code"`
	}
	if err := c.post(ctx, "/payment/verify", payload, &resp); err != nil {
		return nil, err
	}
	paid := strings.EqualFold(resp.Status, "OK") || resp.Code == 100
	return &VerifyResult{RefID: resp.RefID, Amount: resp.Amount, Paid: paid}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	if c == nil {
		return fmt.Errorf("psp client not configured")
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("psp %s failed: status=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
