package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const userKey contextKey = "identity-user"

// ErrNoIdentity is returned when no verified user is attached to the context.
var ErrNoIdentity = errors.New("identity: no verified user in context")

// Verifier validates storefront session tokens and extracts the user id.
// Session issuance lives in the identity service; this side only verifies.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a verifier for HS256 session tokens.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Middleware authenticates the Bearer token and stores the user id in the
// request context. Requests without a valid session are rejected.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		userID, err := v.Verify(raw)
		if err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses and validates a session token, returning the subject user id.
func (v *Verifier) Verify(raw string) (uuid.UUID, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("identity: unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, errors.New("identity: invalid claims")
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, err
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, errors.New("identity: subject is not a user id")
	}
	return userID, nil
}

// FromContext returns the verified user id attached by the middleware.
func FromContext(ctx context.Context) (uuid.UUID, error) {
	userID, ok := ctx.Value(userKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, ErrNoIdentity
	}
	return userID, nil
}

// WithUser attaches a user id to the context; used by tests and internal
// callers that bypass HTTP authentication.
func WithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey, userID)
}
