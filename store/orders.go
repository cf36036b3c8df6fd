package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"storefront/models"
)

// ErrOrderNotFound indicates the order does not exist.
var ErrOrderNotFound = errors.New("store: order not found")

// CreateOrder persists a purchase order awaiting payment.
func (s *Store) CreateOrder(ctx context.Context, userID uuid.UUID, title string, amount int64) (*models.Order, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("store: user id required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("store: order amount must be positive")
	}
	now := s.now().UTC()
	order := &models.Order{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder loads an order by primary key.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}
