package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/calanque-market/api/internal/domain"
	pfirestore "github.com/calanque-market/api/internal/platform/firestore"
	"github.com/calanque-market/api/internal/repositories"
)

const checkoutRecordCollection = "checkout_records"

// CheckoutRecordRepository persists checkout outcomes within Firestore,
// keyed by the parent order number.
type CheckoutRecordRepository struct {
	base *pfirestore.BaseRepository[checkoutRecordDocument]
}

// NewCheckoutRecordRepository constructs a Firestore-backed checkout record repository.
func NewCheckoutRecordRepository(provider *pfirestore.Provider) (*CheckoutRecordRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout record repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[checkoutRecordDocument](provider, checkoutRecordCollection, nil, nil)
	return &CheckoutRecordRepository{base: base}, nil
}

// SaveResult stores the outcome of one checkout attempt. Records are written
// once under the parent order number and never edited afterwards.
func (r *CheckoutRecordRepository) SaveResult(ctx context.Context, cartID string, buyer domain.Buyer, result domain.AggregatedCheckoutResult) error {
	if r == nil || r.base == nil {
		return errors.New("checkout record repository not initialised")
	}
	orderNumber := strings.TrimSpace(result.ParentOrderNumber)
	if orderNumber == "" {
		return errors.New("checkout record repository: parent order number is required")
	}

	_, err := r.base.Set(ctx, orderNumber, toCheckoutRecordDocument(cartID, buyer, result))
	return err
}

// FindByOrderNumber loads the checkout outcome stored under the given parent
// order number, returning repositories.ErrRecordNotFound when no attempt was
// recorded under it.
func (r *CheckoutRecordRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.AggregatedCheckoutResult, error) {
	if r == nil || r.base == nil {
		return domain.AggregatedCheckoutResult{}, errors.New("checkout record repository not initialised")
	}
	key := strings.TrimSpace(orderNumber)
	if key == "" {
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: empty order number", repositories.ErrRecordNotFound)
	}

	doc, err := r.base.Get(ctx, key)
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %s", repositories.ErrRecordNotFound, key)
		}
		return domain.AggregatedCheckoutResult{}, err
	}
	return doc.Data.toResult(), nil
}

// ListByUser returns the most recent checkout outcomes for one buyer.
func (r *CheckoutRecordRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.AggregatedCheckoutResult, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("checkout record repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("checkout record repository: user id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("user_id", "==", uid).
			OrderBy("created_at", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	results := make([]domain.AggregatedCheckoutResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, doc.Data.toResult())
	}
	return results, nil
}

func toCheckoutRecordDocument(cartID string, buyer domain.Buyer, result domain.AggregatedCheckoutResult) checkoutRecordDocument {
	doc := checkoutRecordDocument{
		CartID:       strings.TrimSpace(cartID),
		UserID:       strings.TrimSpace(buyer.UserID),
		Email:        strings.TrimSpace(buyer.Email),
		Status:       string(result.Status),
		OrderNumber:  result.ParentOrderNumber,
		SessionCount: result.SessionCount,
		CreatedAt:    result.CreatedAt,
	}
	for _, session := range result.AllSessions {
		doc.Sessions = append(doc.Sessions, checkoutSessionDocument{
			Merchant:     string(session.Merchant),
			StoreName:    session.Store.Name,
			StoreDisplay: session.Store.DisplayName,
			StoreAccent:  session.Store.AccentColor,
			SessionID:    session.SessionID,
			OrderNumber:  session.OrderNumber,
			ItemCount:    session.ItemCount,
			Amount:       session.Amount,
			Currency:     session.Currency,
			CheckoutURL:  session.CheckoutURL,
			CreatedAt:    session.CreatedAt,
		})
	}
	for _, failure := range result.Failures {
		doc.Failures = append(doc.Failures, checkoutFailureDocument{
			Merchant: string(failure.Merchant),
			Reason:   failure.Reason,
		})
	}
	return doc
}

func (d checkoutRecordDocument) toResult() domain.AggregatedCheckoutResult {
	result := domain.AggregatedCheckoutResult{
		Status:            domain.CheckoutStatus(d.Status),
		ParentOrderNumber: d.OrderNumber,
		SessionCount:      d.SessionCount,
		CreatedAt:         d.CreatedAt,
	}
	for _, session := range d.Sessions {
		result.AllSessions = append(result.AllSessions, domain.CheckoutSessionRecord{
			Merchant: domain.MerchantTag(session.Merchant),
			Store: domain.StoreInfo{
				Tag:         domain.MerchantTag(session.Merchant),
				Name:        session.StoreName,
				DisplayName: session.StoreDisplay,
				AccentColor: session.StoreAccent,
			},
			SessionID:   session.SessionID,
			OrderNumber: session.OrderNumber,
			ItemCount:   session.ItemCount,
			Amount:      session.Amount,
			Currency:    session.Currency,
			CheckoutURL: session.CheckoutURL,
			CreatedAt:   session.CreatedAt,
		})
	}
	for _, failure := range d.Failures {
		result.Failures = append(result.Failures, domain.PartitionFailure{
			Merchant: domain.MerchantTag(failure.Merchant),
			Reason:   failure.Reason,
		})
	}
	if len(result.AllSessions) > 0 {
		result.PrimarySession = &result.AllSessions[0]
	}
	return result
}

type checkoutRecordDocument struct {
	CartID       string                    `firestore:"cart_id"`
	UserID       string                    `firestore:"user_id,omitempty"`
	Email        string                    `firestore:"email,omitempty"`
	Status       string                    `firestore:"status"`
	OrderNumber  string                    `firestore:"order_number"`
	SessionCount int                       `firestore:"session_count"`
	Sessions     []checkoutSessionDocument `firestore:"sessions,omitempty"`
	Failures     []checkoutFailureDocument `firestore:"failures,omitempty"`
	CreatedAt    time.Time                 `firestore:"created_at"`
}

type checkoutSessionDocument struct {
	Merchant     string    `firestore:"merchant"`
	StoreName    string    `firestore:"store_name,omitempty"`
	StoreDisplay string    `firestore:"store_display,omitempty"`
	StoreAccent  string    `firestore:"store_accent,omitempty"`
	SessionID    string    `firestore:"session_id"`
	OrderNumber  string    `firestore:"order_number"`
	ItemCount    int       `firestore:"item_count"`
	Amount       int64     `firestore:"amount"`
	Currency     string    `firestore:"currency"`
	CheckoutURL  string    `firestore:"checkout_url,omitempty"`
	CreatedAt    time.Time `firestore:"created_at"`
}

type checkoutFailureDocument struct {
	Merchant string `firestore:"merchant"`
	Reason   string `firestore:"reason,omitempty"`
}

var _ repositories.CheckoutRecordRepository = (*CheckoutRecordRepository)(nil)
