package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeCouponAPI interface {
	New(params *stripe.CouponParams) (*stripe.Coupon, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	coupons  stripeCouponAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Checkout.
// Connected merchants settle through destination charges on their account;
// platform merchants settle directly.
type StripeProvider struct {
	api    stripeClients
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			coupons:  sc.Coupons,
		}
	}

	if clients.sessions == nil || clients.coupons == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name identifies this provider inside the Manager registry.
func (p *StripeProvider) Name() string { return "stripe" }

// CreateCheckoutSession opens a hosted Stripe Checkout session for one
// merchant partition of a cart.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, input SessionInput) (Session, error) {
	if p == nil {
		return Session{}, errors.New("stripe: provider is nil")
	}
	if err := input.Validate(); err != nil {
		return Session{}, err
	}

	currency := strings.ToLower(strings.TrimSpace(input.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(input.SuccessURL),
		CancelURL:  stripe.String(input.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(input.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	metadata := map[string]string{
		"order_number": input.OrderNumber,
		"store":        string(input.Merchant.Tag),
	}
	if input.CartID != "" {
		metadata["cart_id"] = input.CartID
	}
	if input.UserID != "" {
		metadata["user_id"] = input.UserID
	}
	params.Metadata = metadata

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(input.LineItems)+1)
	for _, item := range input.LineItems {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.Description != "" {
			line.PriceData.ProductData.Description = stripe.String(item.Description)
		}
		if item.ImageURL != "" {
			line.PriceData.ProductData.Images = stripe.StringSlice([]string{item.ImageURL})
		}
		lineItems = append(lineItems, line)
	}

	if input.TaxAmount > 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(input.TaxAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Tax"),
				},
			},
		})
	}
	params.LineItems = lineItems

	if input.ShippingAmount >= 0 && input.ShippingLabel != "" {
		params.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{
			{
				ShippingRateData: &stripe.CheckoutSessionShippingOptionShippingRateDataParams{
					Type:        stripe.String("fixed_amount"),
					DisplayName: stripe.String(input.ShippingLabel),
					FixedAmount: &stripe.CheckoutSessionShippingOptionShippingRateDataFixedAmountParams{
						Amount:   stripe.Int64(input.ShippingAmount),
						Currency: stripe.String(currency),
					},
				},
			},
		}
	}

	if input.DiscountAmount > 0 {
		coupon, err := p.api.coupons.New(&stripe.CouponParams{
			AmountOff: stripe.Int64(input.DiscountAmount),
			Currency:  stripe.String(currency),
			Duration:  stripe.String(string(stripe.CouponDurationOnce)),
			Name:      stripe.String(fmt.Sprintf("Discount %s", input.OrderNumber)),
		})
		if err != nil {
			return Session{}, fmt.Errorf("stripe: create discount coupon: %w", err)
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{Coupon: stripe.String(coupon.ID)},
		}
	}

	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}
	if input.Merchant.Connected() {
		params.PaymentIntentData.TransferData = &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: stripe.String(input.Merchant.StripeAccountID),
		}
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":   session.ID,
		"store":       string(input.Merchant.Tag),
		"orderNumber": input.OrderNumber,
		"currency":    currency,
	})

	return Session{
		ID:          session.ID,
		URL:         session.URL,
		AmountTotal: session.AmountTotal,
		Currency:    currency,
	}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
