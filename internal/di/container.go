package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/calanque-market/api/internal/payments"
	"github.com/calanque-market/api/internal/platform/auth"
	"github.com/calanque-market/api/internal/platform/config"
	pfirestore "github.com/calanque-market/api/internal/platform/firestore"
	"github.com/calanque-market/api/internal/platform/idempotency"
	"github.com/calanque-market/api/internal/platform/jobs"
	"github.com/calanque-market/api/internal/platform/requestctx"
	"github.com/calanque-market/api/internal/repositories"
	repofirestore "github.com/calanque-market/api/internal/repositories/firestore"
	"github.com/calanque-market/api/internal/services"
)

// Container wires configuration, infrastructure clients, and the checkout
// service graph for runtime use.
type Container struct {
	Config config.Config
	Logger *zap.Logger

	Firestore *pfirestore.Provider
	Payments  *payments.Manager
	Guard     idempotency.Store
	Directory *services.MerchantDirectory
	Checkout  services.CheckoutService
	Records   repositories.CheckoutRecordRepository
	Catalog   repositories.ProductRepository
	Verifier  *auth.FirebaseVerifier

	pubsubClient *pubsub.Client
}

// ContainerDeps carries optional pre-built dependencies, primarily for tests.
type ContainerDeps struct {
	Logger    *zap.Logger
	Firestore *pfirestore.Provider
	Guard     idempotency.Store
	Gateway   services.SessionGateway
	Events    services.EventPublisher
	Clock     func() time.Time
}

// NewContainer constructs the runtime dependency graph from configuration.
func NewContainer(ctx context.Context, cfg config.Config, deps ContainerDeps) (*Container, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
	}

	c.Firestore = deps.Firestore
	if c.Firestore == nil && cfg.Firestore.ProjectID != "" {
		c.Firestore = pfirestore.NewProvider(cfg.Firestore)
	}

	directory, err := services.NewMerchantDirectory(cfg.Checkout.Merchants)
	if err != nil {
		return nil, fmt.Errorf("build merchant directory: %w", err)
	}
	c.Directory = directory

	partitioner, err := services.NewCartPartitioner(directory)
	if err != nil {
		return nil, fmt.Errorf("build cart partitioner: %w", err)
	}
	allocator := services.NewPricingAllocator(cfg.Checkout.Shipping)
	orderNumbers := services.NewOrderNumberGenerator(clock)

	eventLogger := newEventLogger(logger)

	gateway := deps.Gateway
	if gateway == nil {
		manager, err := buildPayments(cfg, clock, eventLogger)
		if err != nil {
			return nil, err
		}
		c.Payments = manager

		gateway, err = services.NewSessionGateway(services.SessionGatewayDeps{
			Payments:   manager,
			Timeout:    cfg.Checkout.GatewayTimeout,
			MaxRetries: cfg.Checkout.GatewayMaxRetries,
			Clock:      clock,
			Logger:     eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build session gateway: %w", err)
		}
	}

	c.Guard = deps.Guard
	if c.Guard == nil {
		guard, err := buildGuard(ctx, cfg, c.Firestore)
		if err != nil {
			return nil, err
		}
		c.Guard = guard
	}

	var records services.CheckoutRecordStore
	var catalogSource services.ProductCatalog
	if c.Firestore != nil {
		recordRepo, err := repofirestore.NewCheckoutRecordRepository(c.Firestore)
		if err != nil {
			return nil, fmt.Errorf("build checkout record repository: %w", err)
		}
		c.Records = recordRepo
		records = recordRepo

		productRepo, err := repofirestore.NewProductRepository(c.Firestore)
		if err != nil {
			return nil, fmt.Errorf("build product repository: %w", err)
		}
		c.Catalog = productRepo
		catalogSource = productRepo
	}

	events := deps.Events
	if events == nil && cfg.Features.EnableCheckoutEvents && cfg.PubSub.ProjectID != "" {
		publisher, client, err := buildPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.pubsubClient = client
		events = publisher
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Partitioner:  partitioner,
		Allocator:    allocator,
		OrderNumbers: orderNumbers,
		Gateway:      gateway,
		Guard:        c.Guard,
		Catalog:      catalogSource,
		Records:      records,
		Events:       events,
		Clock:        clock,
		Logger:       eventLogger,
		Currency:     cfg.Checkout.Currency,
		SuccessURL:   cfg.Checkout.SuccessURL,
		CancelURL:    cfg.Checkout.CancelURL,
		GuardTTL:     cfg.Idempotency.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout service: %w", err)
	}
	c.Checkout = checkout

	if cfg.Firebase.ProjectID != "" {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		c.Verifier = verifier
	}

	return c, nil
}

// Close releases infrastructure clients held by the container.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if c.Firestore != nil {
		if err := c.Firestore.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close firestore provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RunGuardCleanup periodically removes expired idempotency records until the
// context is cancelled.
func (c *Container) RunGuardCleanup(ctx context.Context) {
	if c == nil || c.Guard == nil {
		return
	}
	interval := c.Config.Idempotency.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	batch := c.Config.Idempotency.CleanupBatchSize

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Guard.CleanupExpired(ctx, time.Now().UTC(), batch)
			if err != nil {
				c.Logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				c.Logger.Info("idempotency cleanup", zap.Int("removed", removed))
			}
		}
	}
}

func buildPayments(cfg config.Config, clock func() time.Time, eventLogger func(context.Context, string, map[string]any)) (*payments.Manager, error) {
	manager := payments.NewManager()

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Clock:  clock,
		Logger: eventLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe provider: %w", err)
	}
	if err := manager.Register(stripeProvider); err != nil {
		return nil, fmt.Errorf("register stripe provider: %w", err)
	}
	return manager, nil
}

func buildGuard(ctx context.Context, cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, error) {
	if provider == nil {
		return idempotency.NewMemoryStore(), nil
	}
	client, err := provider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("build idempotency store: %w", err)
	}
	return idempotency.NewFirestoreStore(client), nil
}

func buildPublisher(ctx context.Context, cfg config.Config) (services.EventPublisher, *pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.SessionsTopic)
	publisher, err := jobs.NewPubSubCheckoutPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("build checkout publisher: %w", err)
	}
	return publisher, client, nil
}

// newEventLogger adapts the zap logger to the event-style logging hook used
// across the services layer, preferring the request-scoped logger when present.
func newEventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() && base != nil {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
