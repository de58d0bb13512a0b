package repositories

import (
	"context"
	"errors"

	"github.com/calanque-market/api/internal/domain"
)

// ErrRecordNotFound is returned when no stored record matches the lookup key.
var ErrRecordNotFound = errors.New("record not found")

// CheckoutRecordRepository persists the immutable outcome of checkout attempts.
type CheckoutRecordRepository interface {
	SaveResult(ctx context.Context, cartID string, buyer domain.Buyer, result domain.AggregatedCheckoutResult) error
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.AggregatedCheckoutResult, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.AggregatedCheckoutResult, error)
}

// ProductRepository resolves catalog listings for cart line items.
type ProductRepository interface {
	Listing(ctx context.Context, productID string) (domain.ProductListing, error)
}
