package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"storefront/models"
)

var (
	// ErrNotFound indicates the intent does not exist.
	ErrNotFound = errors.New("store: intent not found")
	// ErrNotPending is returned when a transition loses the race against a
	// concurrent confirmation. Callers treat it as a no-op.
	ErrNotPending = errors.New("store: intent is not pending")
	// ErrBelowMinimum rejects amounts under the channel minimum.
	ErrBelowMinimum = errors.New("store: amount below channel minimum")
	// ErrAboveMaximum rejects amounts over the per-charge cap.
	ErrAboveMaximum = errors.New("store: amount above maximum")
	// ErrUnknownChannel rejects unsupported channels.
	ErrUnknownChannel = errors.New("store: unknown channel")
	// ErrInvalidTransition rejects non-terminal transition targets.
	ErrInvalidTransition = errors.New("store: invalid transition target")
)

// Limits captures the per-channel amount bounds in fiat minor units.
type Limits struct {
	MinGateway      int64
	MinBankTransfer int64
	MinCrypto       int64
	Max             int64
}

// DefaultLimits returns the production amount bounds.
func DefaultLimits() Limits {
	return Limits{
		MinGateway:      1_000,
		MinBankTransfer: 1_000,
		MinCrypto:       30_000,
		Max:             100_000_000,
	}
}

func (l Limits) minimum(channel models.Channel) (int64, error) {
	switch channel {
	case models.ChannelGateway:
		return l.MinGateway, nil
	case models.ChannelBankTransfer:
		return l.MinBankTransfer, nil
	case models.ChannelCrypto:
		return l.MinCrypto, nil
	default:
		return 0, ErrUnknownChannel
	}
}

// Store owns intent persistence: creation, lookups, and the single atomic
// status transition every channel converges on.
type Store struct {
	db      *gorm.DB
	limits  Limits
	now     func() time.Time
	trackID func() int64
}

// Option customises the store instance.
type Option func(*Store)

// WithLimits overrides the default amount bounds.
func WithLimits(l Limits) Option {
	return func(s *Store) { s.limits = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.now = clock }
}

// New constructs a store backed by the provided database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, limits: DefaultLimits(), now: time.Now, trackID: newTrackID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for callers composing transactions.
func (s *Store) DB() *gorm.DB { return s.db }

// Limits returns the configured amount bounds.
func (s *Store) Limits() Limits { return s.limits }

// ValidateAmount checks the channel bounds without touching the database.
func (s *Store) ValidateAmount(channel models.Channel, amount int64) error {
	min, err := s.limits.minimum(channel)
	if err != nil {
		return err
	}
	if amount < min {
		return fmt.Errorf("%w: %d < %d", ErrBelowMinimum, amount, min)
	}
	if s.limits.Max > 0 && amount > s.limits.Max {
		return fmt.Errorf("%w: %d > %d", ErrAboveMaximum, amount, s.limits.Max)
	}
	return nil
}

// CreateParams carries everything known about an intent at creation time.
// Channel-specific fields are frozen here and never recomputed.
type CreateParams struct {
	UserID          uuid.UUID
	Purpose         models.Purpose
	OrderID         *uuid.UUID
	Channel         models.Channel
	Amount          int64
	ChannelStatus   string
	ExpiresAt       *time.Time
	CryptoAmount    string
	CryptoUnitPrice string
	WalletAddress   string
}

const trackIDAttempts = 5

// CreateIntent validates the amount, assigns a track ID, and persists the
// pending intent. Validation failures never leave a row behind.
func (s *Store) CreateIntent(ctx context.Context, p CreateParams) (*models.Intent, error) {
	if err := s.ValidateAmount(p.Channel, p.Amount); err != nil {
		return nil, err
	}
	if p.UserID == uuid.Nil {
		return nil, fmt.Errorf("store: user id required")
	}
	now := s.now().UTC()
	var lastErr error
	for attempt := 0; attempt < trackIDAttempts; attempt++ {
		intent := &models.Intent{
			ID:              uuid.New(),
			TrackID:         s.trackID(),
			UserID:          p.UserID,
			Purpose:         p.Purpose,
			OrderID:         p.OrderID,
			Channel:         p.Channel,
			TargetAmount:    p.Amount,
			CryptoAmount:    p.CryptoAmount,
			CryptoUnitPrice: p.CryptoUnitPrice,
			WalletAddress:   p.WalletAddress,
			Status:          models.StatusPending,
			ChannelStatus:   p.ChannelStatus,
			CreatedAt:       now,
			UpdatedAt:       now,
			ExpiresAt:       p.ExpiresAt,
		}
		if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
			// Track IDs are random; a unique violation means a collision, so
			// redraw and try again. Anything else is a real failure.
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, fmt.Errorf("store: create intent: %w", err)
			}
			lastErr = err
			continue
		}
		return intent, nil
	}
	return nil, fmt.Errorf("store: create intent: %w", lastErr)
}

// Get loads an intent by primary key.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Intent, error) {
	var intent models.Intent
	if err := s.db.WithContext(ctx).First(&intent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// GetByTrackID loads an intent by its external-facing correlation number.
func (s *Store) GetByTrackID(ctx context.Context, trackID int64) (*models.Intent, error) {
	var intent models.Intent
	if err := s.db.WithContext(ctx).First(&intent, "track_id = ?", trackID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// GetByGatewayAuthority loads an intent by the PSP authority token recorded
// at registration. The callback path uses this lookup, and because settlement
// never touches the column a retried callback still resolves the same intent.
func (s *Store) GetByGatewayAuthority(ctx context.Context, authority string) (*models.Intent, error) {
	var intent models.Intent
	if err := s.db.WithContext(ctx).First(&intent, "gateway_authority = ?", authority).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// ListPendingByChannel returns pending intents for a channel ordered oldest
// first. Deposit matching depends on this ordering when amounts collide.
func (s *Store) ListPendingByChannel(ctx context.Context, channel models.Channel) ([]models.Intent, error) {
	var intents []models.Intent
	err := s.db.WithContext(ctx).
		Where("channel = ? AND status = ?", channel, models.StatusPending).
		Order("created_at ASC").
		Find(&intents).Error
	if err != nil {
		return nil, err
	}
	return intents, nil
}

// HasCompletedRef reports whether a deposit or transaction reference has
// already settled an intent.
func (s *Store) HasCompletedRef(ctx context.Context, ref string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Intent{}).
		Where("external_ref = ? AND status = ?", ref, models.StatusCompleted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetGatewayReference records the gateway authority token issued when the
// payment was registered, before any redirect happens.
func (s *Store) SetGatewayReference(ctx context.Context, id uuid.UUID, authority string) error {
	res := s.db.WithContext(ctx).Model(&models.Intent{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]interface{}{"gateway_authority": authority, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// TransitionResult bundles the transition parameters applied by ApplyTransition.
type TransitionResult struct {
	To            models.IntentStatus
	ExternalRef   string
	ChannelStatus string
	Reason        string
}

// Transition atomically moves a pending intent to a terminal state. Two
// concurrent confirmations can both call this; exactly one succeeds and the
// loser receives ErrNotPending.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, res TransitionResult) (*models.Intent, error) {
	var out *models.Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := s.ApplyTransition(tx, id, res)
		if err != nil {
			return err
		}
		out = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyTransition performs the compare-and-set inside the supplied
// transaction so callers can couple it with a wallet credit or order update.
// The guard is a single UPDATE constrained on status = pending; zero affected
// rows means another path already finalised the intent.
func (s *Store) ApplyTransition(tx *gorm.DB, id uuid.UUID, res TransitionResult) (*models.Intent, error) {
	if !res.To.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, res.To)
	}
	now := s.now().UTC()
	updates := map[string]interface{}{
		"status":     res.To,
		"updated_at": now,
	}
	if res.ExternalRef != "" {
		updates["external_ref"] = res.ExternalRef
	}
	if res.ChannelStatus != "" {
		updates["channel_status"] = res.ChannelStatus
	}
	if res.Reason != "" {
		updates["failure_reason"] = res.Reason
	}
	if res.To == models.StatusCompleted {
		updates["completed_at"] = now
	}
	result := tx.Model(&models.Intent{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		var existing models.Intent
		if err := tx.First(&existing, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: already %s", ErrNotPending, existing.Status)
	}
	event := models.Event{
		ID:        uuid.New(),
		IntentID:  &id,
		Action:    "intent." + string(res.To),
		Details:   transitionDetails(res),
		CreatedAt: now,
	}
	if err := tx.Create(&event).Error; err != nil {
		return nil, err
	}
	var intent models.Intent
	if err := tx.First(&intent, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// SetChannelStatus updates only the channel sub-state of a pending intent, for
// underpaid/overpaid reporting that does not settle anything.
func (s *Store) SetChannelStatus(ctx context.Context, id uuid.UUID, channelStatus string) error {
	res := s.db.WithContext(ctx).Model(&models.Intent{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]interface{}{"channel_status": channelStatus, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func transitionDetails(res TransitionResult) string {
	details := "to=" + string(res.To)
	if res.ExternalRef != "" {
		details += " ref=" + res.ExternalRef
	}
	if res.Reason != "" {
		details += " reason=" + res.Reason
	}
	return details
}

var trackIDSpan = new(big.Int).SetInt64(9_000_000_000)

// newTrackID draws a random ten-digit correlation number. Uniqueness is
// enforced by the database index; CreateIntent redraws on collision.
func newTrackID() int64 {
	n, err := rand.Int(rand.Reader, trackIDSpan)
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		return fallbackTrackID(time.Now().UnixNano())
	}
	return n.Int64() + 1_000_000_000
}

// fallbackTrackID derives a ten-digit id from a clock reading, keeping the
// same range as the random path.
func fallbackTrackID(nano int64) int64 {
	return nano%9_000_000_000 + 1_000_000_000
}
