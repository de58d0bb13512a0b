package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/payments"
)

const (
	defaultGatewayTimeout = 20 * time.Second
	retryInitialDelay     = 200 * time.Millisecond
	retryMaxDelay         = 2 * time.Second
)

// ErrSessionCreationFailed wraps provider failures after retries are exhausted.
var ErrSessionCreationFailed = errors.New("checkout: session creation failed")

// PartitionCheckout is the fully priced unit of work handed to the gateway:
// one merchant partition plus its allocated costs and derived order number.
type PartitionCheckout struct {
	Partition     domain.MerchantPartition
	Costs         domain.AllocatedCosts
	OrderNumber   string
	CartID        string
	Currency      string
	CustomerEmail string
	UserID        string
	SuccessURL    string
	CancelURL     string
}

// SessionGateway opens one hosted PSP session per partition.
type SessionGateway interface {
	CreateSession(ctx context.Context, req PartitionCheckout) (domain.CheckoutSessionRecord, error)
}

type sessionProviderSource interface {
	ProviderForCurrency(currency string) (payments.Provider, error)
}

// SessionGatewayDeps wires the dependencies for the payment session gateway.
type SessionGatewayDeps struct {
	Payments   sessionProviderSource
	Timeout    time.Duration
	MaxRetries int
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type sessionGateway struct {
	payments   sessionProviderSource
	timeout    time.Duration
	maxRetries int
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewSessionGateway constructs a SessionGateway validating required dependencies.
// Each provider call runs under its own deadline; transient failures are
// retried with exponential backoff when MaxRetries is positive.
func NewSessionGateway(deps SessionGatewayDeps) (SessionGateway, error) {
	if deps.Payments == nil {
		return nil, errors.New("session gateway: payment manager is required")
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	retries := deps.MaxRetries
	if retries < 0 {
		retries = 0
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &sessionGateway{
		payments:   deps.Payments,
		timeout:    timeout,
		maxRetries: retries,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (g *sessionGateway) CreateSession(ctx context.Context, req PartitionCheckout) (domain.CheckoutSessionRecord, error) {
	provider, err := g.payments.ProviderForCurrency(req.Currency)
	if err != nil {
		return domain.CheckoutSessionRecord{}, fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	input := g.buildInput(req)
	if err := input.Validate(); err != nil {
		return domain.CheckoutSessionRecord{}, err
	}

	session, err := g.createWithRetry(ctx, provider, input, req)
	if err != nil {
		return domain.CheckoutSessionRecord{}, err
	}

	amount := session.AmountTotal
	if amount == 0 {
		amount = partitionTotal(req)
	}

	return domain.CheckoutSessionRecord{
		Merchant:    req.Partition.Merchant.Tag,
		Store:       StoreInfo(req.Partition.Merchant),
		SessionID:   session.ID,
		OrderNumber: req.OrderNumber,
		ItemCount:   req.Partition.ItemCount(),
		Amount:      amount,
		Currency:    strings.ToLower(req.Currency),
		CheckoutURL: session.URL,
		CreatedAt:   g.now(),
	}, nil
}

func (g *sessionGateway) createWithRetry(ctx context.Context, provider payments.Provider, input payments.SessionInput, req PartitionCheckout) (payments.Session, error) {
	backoff := gax.Backoff{
		Initial:    retryInitialDelay,
		Max:        retryMaxDelay,
		Multiplier: 2,
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				break
			}
			g.logger(ctx, "checkout.gateway.retry", map[string]any{
				"store":       string(req.Partition.Merchant.Tag),
				"orderNumber": req.OrderNumber,
				"attempt":     attempt,
			})
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		session, err := provider.CreateCheckoutSession(callCtx, input)
		cancel()
		if err == nil {
			return session, nil
		}
		lastErr = err

		if errors.Is(err, payments.ErrInvalidSession) {
			return payments.Session{}, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	return payments.Session{}, fmt.Errorf("%w: %s: %v", ErrSessionCreationFailed, req.Partition.Merchant.Tag, lastErr)
}

func (g *sessionGateway) buildInput(req PartitionCheckout) payments.SessionInput {
	items := make([]payments.SessionLineItem, 0, len(req.Partition.Items))
	for _, item := range req.Partition.Items {
		items = append(items, payments.SessionLineItem{
			Name:        item.Name,
			Description: describeVariant(item.Variant),
			UnitAmount:  item.UnitPrice,
			Quantity:    int64(item.Quantity),
			ImageURL:    item.ImageURL,
		})
	}

	return payments.SessionInput{
		OrderNumber:    req.OrderNumber,
		CartID:         req.CartID,
		Merchant:       req.Partition.Merchant,
		Currency:       req.Currency,
		LineItems:      items,
		ShippingAmount: req.Costs.Shipping,
		ShippingLabel:  req.Costs.ShippingName,
		TaxAmount:      req.Costs.Tax,
		DiscountAmount: req.Costs.Discount,
		CustomerEmail:  req.CustomerEmail,
		UserID:         req.UserID,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		IdempotencyKey: req.OrderNumber,
	}
}

func partitionTotal(req PartitionCheckout) int64 {
	total := req.Partition.Subtotal - req.Costs.Discount + req.Costs.Tax + req.Costs.Shipping
	if total < 0 {
		total = 0
	}
	return total
}

func describeVariant(variant domain.ItemVariant) string {
	parts := make([]string, 0, 2)
	if variant.Size != "" {
		parts = append(parts, "Size "+variant.Size)
	}
	label := variant.ColorLabel
	if label == "" {
		label = variant.Color
	}
	if label != "" {
		parts = append(parts, label)
	}
	return strings.Join(parts, " / ")
}
