package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Channel identifies the payment rail an intent settles over.
type Channel string

// Supported payment channels.
const (
	ChannelGateway      Channel = "gateway"
	ChannelBankTransfer Channel = "bank_transfer"
	ChannelCrypto       Channel = "crypto"
)

// Purpose distinguishes wallet top-ups from product purchases.
type Purpose string

// All intent purposes.
const (
	PurposeWalletTopup Purpose = "wallet_topup"
	PurposePurchase    Purpose = "purchase"
)

// IntentStatus represents a state in the settlement lifecycle. Transitions
// out of a terminal state are rejected at the storage layer.
type IntentStatus string

// All lifecycle states.
const (
	StatusPending   IntentStatus = "pending"
	StatusCompleted IntentStatus = "completed"
	StatusFailed    IntentStatus = "failed"
	StatusCancelled IntentStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Channel-specific sub-states reported alongside the lifecycle status.
const (
	ChannelStatusAwaitingRedirect = "awaiting_redirect"
	ChannelStatusAwaitingDeposit  = "awaiting_deposit"
	ChannelStatusAwaitingTransfer = "awaiting_transfer"
	ChannelStatusUnderpaid        = "underpaid"
	ChannelStatusOverpaid         = "overpaid"
	ChannelStatusExpired          = "expired"
	ChannelStatusDeclined         = "declined"
	ChannelStatusConfirmed        = "confirmed"
)

// Delivery workflow states for paid orders. Only the initial state is owned
// by the settlement core; later states belong to the fulfilment service.
const (
	DeliveryStatusReceived = "received"
)

// Intent is a payable intent: a wallet top-up charge or a product purchase.
// TargetAmount is denominated in fiat minor units. The crypto fields are
// frozen at creation and never recomputed.
type Intent struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	TrackID         int64     `gorm:"uniqueIndex;not null"`
	UserID          uuid.UUID `gorm:"type:uuid;index"`
	Purpose         Purpose   `gorm:"size:32;index"`
	OrderID         *uuid.UUID
	Channel         Channel      `gorm:"size:32;index"`
	TargetAmount    int64        `gorm:"not null"`
	CryptoAmount    string       `gorm:"size:64"`
	CryptoUnitPrice string       `gorm:"size:64"`
	WalletAddress   string       `gorm:"size:64"`
	Status          IntentStatus `gorm:"size:16;index"`
	ChannelStatus   string       `gorm:"size:32"`
	// GatewayAuthority is the PSP token issued at registration. It stays set
	// after settlement so callback retries and audits can still correlate.
	GatewayAuthority string `gorm:"size:128;index"`
	ExternalRef      string `gorm:"size:128;index"`
	FailureReason    string `gorm:"size:255"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
	CompletedAt      *time.Time
}

// Expired reports whether the intent carries a deadline that has elapsed.
func (i *Intent) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// WalletAccount holds the single fiat balance for a user. Rows are created
// lazily on first credit and mutated only through the wallet ledger.
type WalletAccount struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is a product purchase settled by the coordinator. Catalog metadata
// lives in the storefront service; only the fields the settlement core owns
// are modelled here.
type Order struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;index"`
	Title          string    `gorm:"size:255"`
	Amount         int64     `gorm:"not null"`
	Paid           bool      `gorm:"index"`
	DeliveryStatus string    `gorm:"size:32"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
}

// Event is the append-only audit trail for intent transitions.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	IntentID  *uuid.UUID `gorm:"type:uuid;index"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for mutating API calls.
// Keys are scoped per user so one caller's key can never replay another's
// response.
type IdempotencyKey struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key       string    `gorm:"primaryKey;size:128"`
	RequestID string    `gorm:"size:64"`
	Method    string    `gorm:"size:8"`
	Path      string    `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Intent{},
		&WalletAccount{},
		&Order{},
		&Event{},
		&IdempotencyKey{},
	)
}
