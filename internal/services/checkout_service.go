package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/idempotency"
)

const defaultCheckoutIdempotencyTTL = 24 * time.Hour

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutInProgress indicates another attempt for the same cart is still running.
	ErrCheckoutInProgress = errors.New("checkout: attempt already in progress")
	// ErrCheckoutConflict indicates the cart token was reused with different cart contents.
	ErrCheckoutConflict = errors.New("checkout: cart token reused with different contents")
	// ErrCheckoutFailed indicates no partition produced a session.
	ErrCheckoutFailed = errors.New("checkout: all sessions failed")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// CheckoutService orchestrates a multi-merchant checkout attempt end to end.
type CheckoutService interface {
	CreateCartSessions(ctx context.Context, req domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error)
}

// ProductCatalog resolves listings for cart lines that arrive without a
// merchant tag or unit price.
type ProductCatalog interface {
	Listing(ctx context.Context, productID string) (domain.ProductListing, error)
}

// CheckoutRecordStore persists the immutable outcome of a checkout attempt.
type CheckoutRecordStore interface {
	SaveResult(ctx context.Context, cartID string, buyer domain.Buyer, result domain.AggregatedCheckoutResult) error
}

// SessionsCreatedEvent is emitted after an attempt produced at least one session.
type SessionsCreatedEvent struct {
	CartID            string
	ParentOrderNumber string
	Status            domain.CheckoutStatus
	SessionCount      int
	Merchants         []domain.MerchantTag
	CreatedAt         time.Time
}

// EventPublisher broadcasts checkout lifecycle events.
type EventPublisher interface {
	PublishSessionsCreated(ctx context.Context, event SessionsCreatedEvent) error
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Partitioner  *CartPartitioner
	Allocator    *PricingAllocator
	OrderNumbers *OrderNumberGenerator
	Gateway      SessionGateway
	Guard        idempotency.Store
	Catalog      ProductCatalog
	Records      CheckoutRecordStore
	Events       EventPublisher
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
	Meter        metric.Meter
	Currency     string
	SuccessURL   string
	CancelURL    string
	GuardTTL     time.Duration
}

type checkoutService struct {
	partitioner  *CartPartitioner
	allocator    *PricingAllocator
	orderNumbers *OrderNumberGenerator
	gateway      SessionGateway
	guard        idempotency.Store
	catalog      ProductCatalog
	records      CheckoutRecordStore
	events       EventPublisher
	now          func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)
	metrics      *checkoutMetrics
	currency     string
	successURL   string
	cancelURL    string
	guardTTL     time.Duration
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Partitioner == nil {
		return nil, errors.New("checkout service: cart partitioner is required")
	}
	if deps.Allocator == nil {
		return nil, errors.New("checkout service: pricing allocator is required")
	}
	if deps.OrderNumbers == nil {
		return nil, errors.New("checkout service: order number generator is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: session gateway is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("checkout service: idempotency store is required")
	}
	if strings.TrimSpace(deps.Currency) == "" {
		return nil, errors.New("checkout service: currency is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.GuardTTL
	if ttl <= 0 {
		ttl = defaultCheckoutIdempotencyTTL
	}

	return &checkoutService{
		partitioner:  deps.Partitioner,
		allocator:    deps.Allocator,
		orderNumbers: deps.OrderNumbers,
		gateway:      deps.Gateway,
		guard:        deps.Guard,
		catalog:      deps.Catalog,
		records:      deps.Records,
		events:       deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:     logger,
		metrics:    newCheckoutMetrics(deps.Meter),
		currency:   strings.ToLower(strings.TrimSpace(deps.Currency)),
		successURL: strings.TrimSpace(deps.SuccessURL),
		cancelURL:  strings.TrimSpace(deps.CancelURL),
		guardTTL:   ttl,
	}, nil
}

// CreateCartSessions partitions the cart by merchant, prices each partition,
// and opens one hosted session per partition. Replayed attempts for the same
// cart return the stored outcome instead of creating new sessions.
func (s *checkoutService) CreateCartSessions(ctx context.Context, req domain.CheckoutRequest) (domain.AggregatedCheckoutResult, error) {
	if s == nil || s.gateway == nil {
		return domain.AggregatedCheckoutResult{}, ErrCheckoutUnavailable
	}

	cartID := strings.TrimSpace(req.CartID)
	if cartID == "" {
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: cart id is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(req.Buyer.UserID) == "" && strings.TrimSpace(req.Buyer.Email) == "" {
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: buyer identity is required", ErrCheckoutInvalidInput)
	}
	if len(req.Items) == 0 {
		return domain.AggregatedCheckoutResult{}, ErrCartEmpty
	}

	items, err := s.resolveItems(ctx, req.Items)
	if err != nil {
		return domain.AggregatedCheckoutResult{}, err
	}

	partitions, err := s.partitioner.Partition(items, req.PrimaryMerchant)
	if err != nil {
		return domain.AggregatedCheckoutResult{}, s.translateCartError(err)
	}

	var cartSubtotal int64
	for _, partition := range partitions {
		cartSubtotal += partition.Subtotal
	}

	rate, err := s.allocator.ResolveShippingRate(req.ShippingMethod, cartSubtotal)
	if err != nil {
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}

	var discountAmount int64
	if req.Discount != nil {
		discountAmount = req.Discount.Amount
	}
	costs, err := s.allocator.Allocate(partitions, rate, discountAmount)
	if err != nil {
		return domain.AggregatedCheckoutResult{}, s.translateCartError(err)
	}

	fingerprint := s.requestFingerprint(cartID, items, req)
	now := s.now()

	reservation, err := s.guard.Reserve(ctx, cartID, fingerprint, now, s.guardTTL)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return domain.AggregatedCheckoutResult{}, ErrCheckoutConflict
		}
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
	switch reservation.State {
	case idempotency.ReservationStateCompleted:
		stored, err := decodeStoredResult(reservation.Record.Result)
		if err != nil {
			return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		s.logger(ctx, "checkout.replayed", map[string]any{
			"cartId":      cartID,
			"orderNumber": stored.ParentOrderNumber,
		})
		s.metrics.recordReplay(ctx)
		return stored, nil
	case idempotency.ReservationStatePending:
		return domain.AggregatedCheckoutResult{}, ErrCheckoutInProgress
	}

	parentNumber, err := s.orderNumbers.Parent(cartID)
	if err != nil {
		s.release(ctx, cartID, fingerprint)
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	result, err := s.createSessions(ctx, req, cartID, parentNumber, partitions, costs)
	if err != nil {
		s.release(ctx, cartID, fingerprint)
		return domain.AggregatedCheckoutResult{}, err
	}

	s.persistResult(ctx, cartID, req.Buyer, result)
	s.publishResult(ctx, cartID, result)

	if payload, err := json.Marshal(result); err == nil {
		if err := s.guard.SaveResult(ctx, cartID, fingerprint, payload, s.now(), s.guardTTL); err != nil {
			s.logger(ctx, "checkout.guard.save_failed", map[string]any{
				"cartId": cartID,
				"error":  err.Error(),
			})
		}
	}

	return result, nil
}

func (s *checkoutService) createSessions(ctx context.Context, req domain.CheckoutRequest, cartID, parentNumber string, partitions []domain.MerchantPartition, costs []domain.AllocatedCosts) (domain.AggregatedCheckoutResult, error) {
	type partitionOutcome struct {
		record  domain.CheckoutSessionRecord
		failure *domain.PartitionFailure
	}

	outcomes := make([]partitionOutcome, len(partitions))
	var wg sync.WaitGroup

	for i := range partitions {
		derived, err := s.orderNumbers.Derived(parentNumber, partitions[i].Index)
		if err != nil {
			return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}

		wg.Add(1)
		go func(idx int, orderNumber string) {
			defer wg.Done()

			record, err := s.gateway.CreateSession(ctx, PartitionCheckout{
				Partition:     partitions[idx],
				Costs:         costs[idx],
				OrderNumber:   orderNumber,
				CartID:        cartID,
				Currency:      s.currency,
				CustomerEmail: req.Buyer.Email,
				UserID:        req.Buyer.UserID,
				SuccessURL:    s.successURL,
				CancelURL:     s.cancelURL,
			})
			if err != nil {
				s.logger(ctx, "checkout.partition.failed", map[string]any{
					"cartId": cartID,
					"store":  string(partitions[idx].Merchant.Tag),
					"error":  err.Error(),
				})
				outcomes[idx] = partitionOutcome{failure: &domain.PartitionFailure{
					Merchant: partitions[idx].Merchant.Tag,
					Reason:   err.Error(),
				}}
				return
			}
			outcomes[idx] = partitionOutcome{record: record}
		}(i, derived)
	}

	wg.Wait()

	result := domain.AggregatedCheckoutResult{
		ParentOrderNumber: parentNumber,
		CreatedAt:         s.now(),
	}
	for _, outcome := range outcomes {
		if outcome.failure != nil {
			result.Failures = append(result.Failures, *outcome.failure)
			continue
		}
		result.AllSessions = append(result.AllSessions, outcome.record)
	}
	result.SessionCount = len(result.AllSessions)

	switch {
	case result.SessionCount == 0:
		result.Status = domain.CheckoutFailed
		s.metrics.recordFailures(ctx, len(result.Failures))
		merchants := make([]string, 0, len(result.Failures))
		for _, failure := range result.Failures {
			merchants = append(merchants, string(failure.Merchant))
		}
		sort.Strings(merchants)
		return domain.AggregatedCheckoutResult{}, fmt.Errorf("%w: %s", ErrCheckoutFailed, strings.Join(merchants, ", "))
	case len(result.Failures) > 0:
		result.Status = domain.CheckoutPartiallyFailed
	default:
		result.Status = domain.CheckoutSucceeded
	}

	// The primary partition runs at index zero, so its session leads when present.
	result.PrimarySession = &result.AllSessions[0]

	s.metrics.recordSessions(ctx, result.SessionCount, string(result.Status))
	s.metrics.recordFailures(ctx, len(result.Failures))

	s.logger(ctx, "checkout.sessions.created", map[string]any{
		"cartId":       cartID,
		"orderNumber":  parentNumber,
		"sessionCount": result.SessionCount,
		"status":       string(result.Status),
	})

	return result, nil
}

func (s *checkoutService) resolveItems(ctx context.Context, items []domain.CartLineItem) ([]domain.CartLineItem, error) {
	resolved := make([]domain.CartLineItem, len(items))
	copy(resolved, items)

	for i := range resolved {
		if resolved[i].Merchant != "" && resolved[i].UnitPrice > 0 {
			continue
		}
		if s.catalog == nil {
			if resolved[i].Merchant == "" {
				return nil, fmt.Errorf("%w: item %q is missing a merchant", ErrCheckoutInvalidInput, resolved[i].ID)
			}
			continue
		}
		listing, err := s.catalog.Listing(ctx, resolved[i].ID)
		if err != nil {
			return nil, fmt.Errorf("%w: item %q: %v", ErrCheckoutInvalidInput, resolved[i].ID, err)
		}
		if resolved[i].Merchant == "" {
			resolved[i].Merchant = listing.Merchant
		}
		if resolved[i].UnitPrice == 0 {
			resolved[i].UnitPrice = listing.UnitPrice
		}
	}
	return resolved, nil
}

func (s *checkoutService) requestFingerprint(cartID string, items []domain.CartLineItem, req domain.CheckoutRequest) string {
	payload := struct {
		CartID   string                `json:"cart_id"`
		Items    []domain.CartLineItem `json:"items"`
		Shipping string                `json:"shipping"`
		Discount *domain.Discount      `json:"discount,omitempty"`
		Primary  domain.MerchantTag    `json:"primary,omitempty"`
	}{
		CartID:   cartID,
		Items:    items,
		Shipping: strings.ToLower(strings.TrimSpace(req.ShippingMethod)),
		Discount: req.Discount,
		Primary:  req.PrimaryMerchant,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return idempotency.Fingerprint([]byte(cartID))
	}
	return idempotency.Fingerprint(data)
}

func (s *checkoutService) persistResult(ctx context.Context, cartID string, buyer domain.Buyer, result domain.AggregatedCheckoutResult) {
	if s.records == nil {
		return
	}
	if err := s.records.SaveResult(ctx, cartID, buyer, result); err != nil {
		s.logger(ctx, "checkout.record.save_failed", map[string]any{
			"cartId":      cartID,
			"orderNumber": result.ParentOrderNumber,
			"error":       err.Error(),
		})
	}
}

func (s *checkoutService) publishResult(ctx context.Context, cartID string, result domain.AggregatedCheckoutResult) {
	if s.events == nil {
		return
	}
	merchants := make([]domain.MerchantTag, 0, len(result.AllSessions))
	for _, session := range result.AllSessions {
		merchants = append(merchants, session.Merchant)
	}
	event := SessionsCreatedEvent{
		CartID:            cartID,
		ParentOrderNumber: result.ParentOrderNumber,
		Status:            result.Status,
		SessionCount:      result.SessionCount,
		Merchants:         merchants,
		CreatedAt:         result.CreatedAt,
	}
	if err := s.events.PublishSessionsCreated(ctx, event); err != nil {
		s.logger(ctx, "checkout.event.publish_failed", map[string]any{
			"cartId":      cartID,
			"orderNumber": result.ParentOrderNumber,
			"error":       err.Error(),
		})
	}
}

func (s *checkoutService) release(ctx context.Context, cartID, fingerprint string) {
	if err := s.guard.Release(ctx, cartID, fingerprint); err != nil {
		s.logger(ctx, "checkout.guard.release_failed", map[string]any{
			"cartId": cartID,
			"error":  err.Error(),
		})
	}
}

func (s *checkoutService) translateCartError(err error) error {
	switch {
	case errors.Is(err, ErrCartEmpty),
		errors.Is(err, ErrCartInvalidItem),
		errors.Is(err, ErrMerchantUnknown),
		errors.Is(err, ErrDiscountExceedsSubtotal):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
}

func decodeStoredResult(payload []byte) (domain.AggregatedCheckoutResult, error) {
	var result domain.AggregatedCheckoutResult
	if len(payload) == 0 {
		return result, errors.New("checkout: stored result is empty")
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("checkout: decode stored result: %w", err)
	}
	return result, nil
}
