package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"storefront/identity"
	"storefront/models"
)

func setupMiddlewareTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func idempotentRequest(userID uuid.UUID, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/charges", strings.NewReader("{}"))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if userID != uuid.Nil {
		req = req.WithContext(identity.WithUser(req.Context(), userID))
	}
	return req
}

func TestWithIdempotencyScopedToUser(t *testing.T) {
	db := setupMiddlewareTestDB(t)
	calls := 0
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, calls)
	}))
	userA := uuid.New()
	userB := uuid.New()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentRequest(userA, "charge-1"))
	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, idempotentRequest(userA, "charge-1"))
	if replay.Body.String() != first.Body.String() {
		t.Fatalf("retry did not replay: %s vs %s", first.Body.String(), replay.Body.String())
	}

	// Another user presenting the same key must run their own request, not
	// read someone else's response.
	other := httptest.NewRecorder()
	handler.ServeHTTP(other, idempotentRequest(userB, "charge-1"))
	if other.Body.String() == first.Body.String() {
		t.Fatal("foreign user received a cached response")
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler executions, got %d", calls)
	}
}

func TestWithIdempotencyDoesNotReplayServerErrors(t *testing.T) {
	db := setupMiddlewareTestDB(t)
	calls := 0
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "database unavailable", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	userID := uuid.New()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, idempotentRequest(userID, "charge-2"))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", first.Code)
	}

	retry := httptest.NewRecorder()
	handler.ServeHTTP(retry, idempotentRequest(userID, "charge-2"))
	if retry.Code != http.StatusCreated {
		t.Fatalf("retry after server error replayed the failure: %d", retry.Code)
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler executions, got %d", calls)
	}
}

func TestWithIdempotencyWithoutUserPassesThrough(t *testing.T) {
	db := setupMiddlewareTestDB(t)
	calls := 0
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, idempotentRequest(uuid.Nil, "charge-3"))
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("unauthenticated requests were cached: %d executions", calls)
	}
	var count int64
	if err := db.Model(&models.IdempotencyKey{}).Count(&count).Error; err != nil {
		t.Fatalf("count keys: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored keys, got %d", count)
	}
}
