package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/payments"
)

type stubSessionProvider struct {
	name    string
	createF func(ctx context.Context, input payments.SessionInput) (payments.Session, error)
	mu      sync.Mutex
	calls   int
}

func (p *stubSessionProvider) Name() string {
	if p.name == "" {
		return "stub"
	}
	return p.name
}

func (p *stubSessionProvider) CreateCheckoutSession(ctx context.Context, input payments.SessionInput) (payments.Session, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.createF != nil {
		return p.createF(ctx, input)
	}
	return payments.Session{ID: "cs_test", URL: "https://pay.example/cs_test", AmountTotal: 0}, nil
}

type stubProviderSource struct {
	provider payments.Provider
	err      error
}

func (s *stubProviderSource) ProviderForCurrency(string) (payments.Provider, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.provider, nil
}

func testPartitionCheckout(t *testing.T) PartitionCheckout {
	t.Helper()

	partitions := testPartitions(t)
	return PartitionCheckout{
		Partition: partitions[0],
		Costs: domain.AllocatedCosts{
			Shipping:     590,
			ShippingName: "Standard",
			Tax:          1800,
		},
		OrderNumber:   "ORD-01HZXTEST-01",
		CartID:        "cart-42",
		Currency:      "EUR",
		CustomerEmail: "buyer@example.com",
		UserID:        "user-7",
		SuccessURL:    "https://shop.example/checkout/success",
		CancelURL:     "https://shop.example/checkout/cancel",
	}
}

func newTestGateway(t *testing.T, source sessionProviderSource, retries int) SessionGateway {
	t.Helper()

	gateway, err := NewSessionGateway(SessionGatewayDeps{
		Payments:   source,
		Timeout:    time.Second,
		MaxRetries: retries,
		Clock:      fixedClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewSessionGateway returned error: %v", err)
	}
	return gateway
}

func TestSessionGatewayCreateSession(t *testing.T) {
	var captured payments.SessionInput
	provider := &stubSessionProvider{
		createF: func(_ context.Context, input payments.SessionInput) (payments.Session, error) {
			captured = input
			return payments.Session{ID: "cs_123", URL: "https://pay.example/cs_123", AmountTotal: 11390}, nil
		},
	}
	gateway := newTestGateway(t, &stubProviderSource{provider: provider}, 0)

	req := testPartitionCheckout(t)
	record, err := gateway.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	if record.SessionID != "cs_123" {
		t.Fatalf("unexpected session id %s", record.SessionID)
	}
	if record.OrderNumber != "ORD-01HZXTEST-01" {
		t.Fatalf("unexpected order number %s", record.OrderNumber)
	}
	if record.Merchant != req.Partition.Merchant.Tag {
		t.Fatalf("unexpected merchant %s", record.Merchant)
	}
	if record.Amount != 11390 {
		t.Fatalf("expected provider-reported amount, got %d", record.Amount)
	}
	if record.Currency != "eur" {
		t.Fatalf("expected lowercased currency, got %s", record.Currency)
	}
	if record.ItemCount != req.Partition.ItemCount() {
		t.Fatalf("unexpected item count %d", record.ItemCount)
	}
	if record.CheckoutURL != "https://pay.example/cs_123" {
		t.Fatalf("unexpected checkout url %s", record.CheckoutURL)
	}
	if !record.CreatedAt.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created at %v", record.CreatedAt)
	}

	if captured.IdempotencyKey != req.OrderNumber {
		t.Fatalf("expected order number as idempotency key, got %s", captured.IdempotencyKey)
	}
	if captured.ShippingAmount != 590 || captured.ShippingLabel != "Standard" {
		t.Fatalf("unexpected shipping %d %q", captured.ShippingAmount, captured.ShippingLabel)
	}
	if len(captured.LineItems) != len(req.Partition.Items) {
		t.Fatalf("expected %d line items, got %d", len(req.Partition.Items), len(captured.LineItems))
	}
}

func TestSessionGatewayFallbackAmount(t *testing.T) {
	gateway := newTestGateway(t, &stubProviderSource{provider: &stubSessionProvider{}}, 0)

	req := testPartitionCheckout(t)
	record, err := gateway.CreateSession(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	want := req.Partition.Subtotal + req.Costs.Tax + req.Costs.Shipping
	if record.Amount != want {
		t.Fatalf("expected computed amount %d, got %d", want, record.Amount)
	}
}

func TestSessionGatewayRetriesTransientFailures(t *testing.T) {
	provider := &stubSessionProvider{}
	provider.createF = func(context.Context, payments.SessionInput) (payments.Session, error) {
		if provider.calls < 3 {
			return payments.Session{}, errors.New("stripe: connection reset")
		}
		return payments.Session{ID: "cs_retry", URL: "https://pay.example/cs_retry"}, nil
	}
	gateway := newTestGateway(t, &stubProviderSource{provider: provider}, 2)

	record, err := gateway.CreateSession(context.Background(), testPartitionCheckout(t))
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", provider.calls)
	}
	if record.SessionID != "cs_retry" {
		t.Fatalf("unexpected session id %s", record.SessionID)
	}
}

func TestSessionGatewayExhaustsRetries(t *testing.T) {
	provider := &stubSessionProvider{
		createF: func(context.Context, payments.SessionInput) (payments.Session, error) {
			return payments.Session{}, errors.New("stripe: connection reset")
		},
	}
	gateway := newTestGateway(t, &stubProviderSource{provider: provider}, 2)

	_, err := gateway.CreateSession(context.Background(), testPartitionCheckout(t))
	if !errors.Is(err, ErrSessionCreationFailed) {
		t.Fatalf("expected ErrSessionCreationFailed, got %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", provider.calls)
	}
}

func TestSessionGatewayDoesNotRetryInvalidSessions(t *testing.T) {
	provider := &stubSessionProvider{
		createF: func(context.Context, payments.SessionInput) (payments.Session, error) {
			return payments.Session{}, fmt.Errorf("%w: rejected", payments.ErrInvalidSession)
		},
	}
	gateway := newTestGateway(t, &stubProviderSource{provider: provider}, 3)

	_, err := gateway.CreateSession(context.Background(), testPartitionCheckout(t))
	if !errors.Is(err, payments.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", provider.calls)
	}
}

func TestSessionGatewayCallTimeoutFailsSession(t *testing.T) {
	provider := &stubSessionProvider{
		createF: func(ctx context.Context, _ payments.SessionInput) (payments.Session, error) {
			<-ctx.Done()
			return payments.Session{}, ctx.Err()
		},
	}
	gateway, err := NewSessionGateway(SessionGatewayDeps{
		Payments:   &stubProviderSource{provider: provider},
		Timeout:    20 * time.Millisecond,
		MaxRetries: 0,
		Clock:      fixedClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewSessionGateway returned error: %v", err)
	}

	_, err = gateway.CreateSession(context.Background(), testPartitionCheckout(t))
	if !errors.Is(err, ErrSessionCreationFailed) {
		t.Fatalf("expected ErrSessionCreationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline exceeded cause, got %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", provider.calls)
	}
}

func TestSessionGatewayProviderLookupFailure(t *testing.T) {
	gateway := newTestGateway(t, &stubProviderSource{err: payments.ErrProviderNotFound}, 0)

	_, err := gateway.CreateSession(context.Background(), testPartitionCheckout(t))
	if !errors.Is(err, ErrSessionCreationFailed) {
		t.Fatalf("expected ErrSessionCreationFailed, got %v", err)
	}
}

func TestDescribeVariant(t *testing.T) {
	cases := []struct {
		variant domain.ItemVariant
		want    string
	}{
		{domain.ItemVariant{}, ""},
		{domain.ItemVariant{Size: "M"}, "Size M"},
		{domain.ItemVariant{Color: "navy"}, "navy"},
		{domain.ItemVariant{Size: "M", Color: "navy", ColorLabel: "Navy Blue"}, "Size M / Navy Blue"},
	}
	for _, tc := range cases {
		if got := describeVariant(tc.variant); got != tc.want {
			t.Fatalf("describeVariant(%+v) = %q, want %q", tc.variant, got, tc.want)
		}
	}
}
