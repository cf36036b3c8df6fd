package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"storefront/models"
)

func testIntent() *models.Intent {
	return &models.Intent{
		ID:           uuid.New(),
		TrackID:      1_234_567_890,
		UserID:       uuid.New(),
		Purpose:      models.PurposeWalletTopup,
		Channel:      models.ChannelGateway,
		TargetAmount: 50_000,
		Status:       models.StatusCompleted,
		ExternalRef:  "REF-1",
	}
}

func TestIntentSettledPostsEvent(t *testing.T) {
	var got map[string]interface{}
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/settlement" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		apiKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "key-1", 60)
	intent := testIntent()
	if err := d.IntentSettled(context.Background(), intent); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if apiKey != "key-1" {
		t.Fatalf("missing api key header, got %q", apiKey)
	}
	if got["track_id"] != float64(intent.TrackID) {
		t.Fatalf("unexpected track id %v", got["track_id"])
	}
	if got["status"] != "completed" || got["channel"] != "gateway" {
		t.Fatalf("unexpected event %v", got)
	}
}

func TestIntentSettledErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "", 60)
	if err := d.IntentSettled(context.Background(), testIntent()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestIntentSettledRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A one-per-minute limiter has a single token in its burst.
	d := NewDispatcher(srv.URL, "", 1)
	if err := d.IntentSettled(context.Background(), testIntent()); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := d.IntentSettled(context.Background(), testIntent()); err == nil {
		t.Fatal("expected rate limit error on second dispatch")
	}
	if calls != 1 {
		t.Fatalf("expected a single delivery, got %d", calls)
	}
}

func TestIntentSettledNoEndpointIsNoop(t *testing.T) {
	d := NewDispatcher("", "", 60)
	if err := d.IntentSettled(context.Background(), testIntent()); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
}
