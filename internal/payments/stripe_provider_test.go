package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	"github.com/calanque-market/api/internal/domain"
)

type stubSessionAPI struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	if s.session != nil {
		return s.session, nil
	}
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.com/cs_test", AmountTotal: 5090}, nil
}

type stubCouponAPI struct {
	params *stripe.CouponParams
	err    error
}

func (s *stubCouponAPI) New(params *stripe.CouponParams) (*stripe.Coupon, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.Coupon{ID: "co_test"}, nil
}

func newTestStripeProvider(sessions *stubSessionAPI, coupons *stubCouponAPI) *StripeProvider {
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{sessions: sessions, coupons: coupons},
		Clock:   func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		panic(err)
	}
	return provider
}

func baseSessionInput() SessionInput {
	return SessionInput{
		OrderNumber: "ORD-01HZX-01",
		CartID:      "cart-42",
		Merchant:    domain.Merchant{Tag: "main", Name: "Maison Calanque"},
		Currency:    "EUR",
		LineItems: []SessionLineItem{
			{Name: "Linen shirt", UnitAmount: 4500, Quantity: 1, ImageURL: "https://img.example.com/shirt.jpg"},
		},
		ShippingAmount: 590,
		ShippingLabel:  "Standard",
		SuccessURL:     "https://shop.example.com/success",
		CancelURL:      "https://shop.example.com/cart",
		IdempotencyKey: "ORD-01HZX-01",
	}
}

func TestStripeProviderCreatesSession(t *testing.T) {
	sessions := &stubSessionAPI{}
	coupons := &stubCouponAPI{}
	provider := newTestStripeProvider(sessions, coupons)

	session, err := provider.CreateCheckoutSession(context.Background(), baseSessionInput())
	if err != nil {
		t.Fatalf("CreateCheckoutSession returned error: %v", err)
	}

	if session.ID != "cs_test" || session.URL != "https://checkout.stripe.com/cs_test" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Currency != "eur" {
		t.Fatalf("expected lowercased currency, got %s", session.Currency)
	}

	params := sessions.params
	if params == nil {
		t.Fatal("expected session params to be captured")
	}
	if got := stripe.StringValue(params.Mode); got != string(stripe.CheckoutSessionModePayment) {
		t.Fatalf("unexpected mode %s", got)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "ORD-01HZX-01" {
		t.Fatal("expected idempotency key forwarded to stripe")
	}
	if len(params.LineItems) != 1 {
		t.Fatalf("expected 1 line item, got %d", len(params.LineItems))
	}
	if got := stripe.StringValue(params.LineItems[0].PriceData.Currency); got != "eur" {
		t.Fatalf("expected line currency eur, got %s", got)
	}
	if params.Metadata["order_number"] != "ORD-01HZX-01" || params.Metadata["store"] != "main" {
		t.Fatalf("unexpected metadata %v", params.Metadata)
	}
	if len(params.ShippingOptions) != 1 {
		t.Fatalf("expected shipping option, got %d", len(params.ShippingOptions))
	}
	rate := params.ShippingOptions[0].ShippingRateData
	if stripe.Int64Value(rate.FixedAmount.Amount) != 590 || stripe.StringValue(rate.DisplayName) != "Standard" {
		t.Fatalf("unexpected shipping rate %+v", rate)
	}
	if params.PaymentIntentData == nil || params.PaymentIntentData.TransferData != nil {
		t.Fatal("expected platform merchant to settle without transfer data")
	}
	if coupons.params != nil {
		t.Fatal("expected no coupon for discount-free session")
	}
}

func TestStripeProviderConnectedMerchantTransfer(t *testing.T) {
	sessions := &stubSessionAPI{}
	provider := newTestStripeProvider(sessions, &stubCouponAPI{})

	input := baseSessionInput()
	input.Merchant = domain.Merchant{Tag: "corner", Name: "The Corner", StripeAccountID: "acct_1AbC"}

	if _, err := provider.CreateCheckoutSession(context.Background(), input); err != nil {
		t.Fatalf("CreateCheckoutSession returned error: %v", err)
	}

	transfer := sessions.params.PaymentIntentData.TransferData
	if transfer == nil {
		t.Fatal("expected transfer data for connected merchant")
	}
	if got := stripe.StringValue(transfer.Destination); got != "acct_1AbC" {
		t.Fatalf("unexpected transfer destination %s", got)
	}
}

func TestStripeProviderDiscountCreatesCoupon(t *testing.T) {
	sessions := &stubSessionAPI{}
	coupons := &stubCouponAPI{}
	provider := newTestStripeProvider(sessions, coupons)

	input := baseSessionInput()
	input.DiscountAmount = 500
	input.TaxAmount = 900

	if _, err := provider.CreateCheckoutSession(context.Background(), input); err != nil {
		t.Fatalf("CreateCheckoutSession returned error: %v", err)
	}

	if coupons.params == nil {
		t.Fatal("expected coupon creation for discounted session")
	}
	if got := stripe.Int64Value(coupons.params.AmountOff); got != 500 {
		t.Fatalf("unexpected coupon amount %d", got)
	}
	if len(sessions.params.Discounts) != 1 || stripe.StringValue(sessions.params.Discounts[0].Coupon) != "co_test" {
		t.Fatal("expected session discount referencing created coupon")
	}

	last := sessions.params.LineItems[len(sessions.params.LineItems)-1]
	if got := stripe.StringValue(last.PriceData.ProductData.Name); got != "Tax" {
		t.Fatalf("expected trailing tax line, got %s", got)
	}
	if got := stripe.Int64Value(last.PriceData.UnitAmount); got != 900 {
		t.Fatalf("unexpected tax amount %d", got)
	}
}

func TestStripeProviderCouponFailure(t *testing.T) {
	sessions := &stubSessionAPI{}
	coupons := &stubCouponAPI{err: errors.New("rate limited")}
	provider := newTestStripeProvider(sessions, coupons)

	input := baseSessionInput()
	input.DiscountAmount = 500

	if _, err := provider.CreateCheckoutSession(context.Background(), input); err == nil || !strings.Contains(err.Error(), "discount coupon") {
		t.Fatalf("expected coupon error, got %v", err)
	}
	if sessions.params != nil {
		t.Fatal("expected no session attempt after coupon failure")
	}
}

func TestStripeProviderRejectsInvalidInput(t *testing.T) {
	provider := newTestStripeProvider(&stubSessionAPI{}, &stubCouponAPI{})

	input := baseSessionInput()
	input.LineItems = nil

	if _, err := provider.CreateCheckoutSession(context.Background(), input); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}
