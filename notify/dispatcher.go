package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"storefront/models"
)

// Dispatcher delivers settlement events to the storefront notification
// service. Delivery is best-effort: the caller logs errors and moves on.
type Dispatcher struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewDispatcher constructs a dispatcher with sane defaults. perMinute bounds
// outbound deliveries so a settlement storm cannot flood the downstream
// service.
func NewDispatcher(endpoint, apiKey string, perMinute int) *Dispatcher {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Dispatcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

type event struct {
	TrackID       int64  `json:"track_id"`
	UserID        string `json:"user_id"`
	Purpose       string `json:"purpose"`
	Channel       string `json:"channel"`
	Status        string `json:"status"`
	ChannelStatus string `json:"channel_status,omitempty"`
	Amount        int64  `json:"amount"`
	ExternalRef   string `json:"external_ref,omitempty"`
}

// IntentSettled posts the terminal state of an intent downstream.
func (d *Dispatcher) IntentSettled(ctx context.Context, intent *models.Intent) error {
	if d == nil || d.endpoint == "" {
		return nil
	}
	if intent == nil {
		return fmt.Errorf("notify: intent required")
	}
	if !d.limiter.Allow() {
		return fmt.Errorf("notify: delivery rate limit exceeded")
	}
	payload := event{
		TrackID:       intent.TrackID,
		UserID:        intent.UserID.String(),
		Purpose:       string(intent.Purpose),
		Channel:       string(intent.Channel),
		Status:        string(intent.Status),
		ChannelStatus: intent.ChannelStatus,
		Amount:        intent.TargetAmount,
		ExternalRef:   intent.ExternalRef,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/events/settlement", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("x-api-key", d.apiKey)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: dispatch failed: status=%d", resp.StatusCode)
	}
	return nil
}
