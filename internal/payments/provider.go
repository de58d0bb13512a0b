package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/calanque-market/api/internal/domain"
)

// Common errors surfaced by the payments layer.
var (
	ErrProviderNotFound    = errors.New("payments: provider not found")
	ErrProviderExists      = errors.New("payments: provider already registered")
	ErrInvalidSession      = errors.New("payments: invalid session input")
	ErrSessionRejected     = errors.New("payments: session rejected by provider")
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
)

// SessionLineItem is one billable line forwarded to the PSP.
type SessionLineItem struct {
	Name        string
	Description string
	UnitAmount  int64
	Quantity    int64
	ImageURL    string
}

// SessionInput carries everything required to open one hosted checkout
// session for a single merchant partition.
type SessionInput struct {
	OrderNumber    string
	CartID         string
	Merchant       domain.Merchant
	Currency       string
	LineItems      []SessionLineItem
	ShippingAmount int64
	ShippingLabel  string
	TaxAmount      int64
	DiscountAmount int64
	CustomerEmail  string
	UserID         string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Validate reports whether the input is complete enough to attempt a session.
func (in SessionInput) Validate() error {
	if strings.TrimSpace(in.OrderNumber) == "" {
		return fmt.Errorf("%w: order number is required", ErrInvalidSession)
	}
	if strings.TrimSpace(in.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidSession)
	}
	if len(in.LineItems) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrInvalidSession)
	}
	for _, item := range in.LineItems {
		if item.Quantity <= 0 || item.UnitAmount < 0 {
			return fmt.Errorf("%w: line item %q has invalid amount or quantity", ErrInvalidSession, item.Name)
		}
	}
	if in.ShippingAmount < 0 || in.TaxAmount < 0 || in.DiscountAmount < 0 {
		return fmt.Errorf("%w: allocated amounts must be non-negative", ErrInvalidSession)
	}
	return nil
}

// Session is the provider-issued hosted checkout session.
type Session struct {
	ID          string
	URL         string
	AmountTotal int64
	Currency    string
}

// Provider creates hosted checkout sessions with a payment service provider.
type Provider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, input SessionInput) (Session, error)
}

// Manager routes session creation to registered providers. Providers are
// keyed by lowercased name; an optional per-currency route overrides the
// default provider.
type Manager struct {
	mu             sync.RWMutex
	providers      map[string]Provider
	currencyRoutes map[string]string
	defaultName    string
}

// NewManager constructs an empty provider registry.
func NewManager() *Manager {
	return &Manager{
		providers:      make(map[string]Provider),
		currencyRoutes: make(map[string]string),
	}
}

// Register adds a provider to the registry. The first registered provider
// becomes the default until SetDefault overrides it.
func (m *Manager) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("%w: nil provider", ErrInvalidSession)
	}
	name := normalizeName(provider.Name())
	if name == "" {
		return fmt.Errorf("%w: provider name is required", ErrInvalidSession)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, name)
	}
	m.providers[name] = provider
	if m.defaultName == "" {
		m.defaultName = name
	}
	return nil
}

// SetDefault selects the provider used when no currency route matches.
func (m *Manager) SetDefault(name string) error {
	normalized := normalizeName(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[normalized]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, normalized)
	}
	m.defaultName = normalized
	return nil
}

// RouteCurrency pins a currency (ISO 4217, case-insensitive) to a provider.
func (m *Manager) RouteCurrency(currency, providerName string) error {
	normalized := normalizeName(providerName)
	code := normalizeName(currency)
	if code == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidSession)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[normalized]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, normalized)
	}
	m.currencyRoutes[code] = normalized
	return nil
}

// Provider returns the registered provider by name.
func (m *Manager) Provider(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	provider, ok := m.providers[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// ProviderForCurrency resolves the provider handling the given currency,
// falling back to the default provider.
func (m *Manager) ProviderForCurrency(currency string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name, ok := m.currencyRoutes[normalizeName(currency)]; ok {
		if provider, ok := m.providers[name]; ok {
			return provider, nil
		}
	}
	if m.defaultName != "" {
		if provider, ok := m.providers[m.defaultName]; ok {
			return provider, nil
		}
	}
	return nil, fmt.Errorf("%w: no provider for currency %s", ErrProviderNotFound, currency)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
