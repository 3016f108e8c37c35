package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	"github.com/davidbz/markl/internal/auth"
	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/http"
	"github.com/davidbz/markl/internal/http/middleware"
	ledgerkafka "github.com/davidbz/markl/internal/ledger/kafka"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/provider/echo"
	"github.com/davidbz/markl/internal/provider/openai"
	"github.com/davidbz/markl/internal/provider/registry"
	quotaredis "github.com/davidbz/markl/internal/quota/redis"
	"github.com/davidbz/markl/internal/store/sqlite"
	"github.com/davidbz/markl/internal/tokenizer"
	"github.com/davidbz/markl/internal/ws"
)

// ErrProviderNotConfigured indicates that a provider is not configured and should be skipped.
var ErrProviderNotConfigured = errors.New("provider not configured")

func main() {
	container := buildContainer()

	err := container.Invoke(func(server *http.Server) {
		if err := server.Start(); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(func() domain.EventPublisher {
		return observability.NewEventBus(slog.Default())
	}); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}

	// Provider registry
	if err := container.Provide(func() domain.ProviderRegistry {
		return registry.NewRegistry()
	}); err != nil {
		log.Fatalf("Failed to provide registry: %v", err)
	}

	// OpenAI provider
	if err := container.Provide(func(cfg *openai.Config) (*openai.Provider, error) {
		if cfg.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		return openai.NewProvider(*cfg)
	}); err != nil {
		log.Fatalf("Failed to provide OpenAI provider: %v", err)
	}

	// Register providers with registry (invoked for side effects). Echo is
	// always available for local development and smoke tests.
	if err := container.Invoke(func(reg domain.ProviderRegistry) error {
		if err := reg.Register(context.Background(), echo.NewProvider()); err != nil {
			return fmt.Errorf("failed to register echo provider: %w", err)
		}
		return nil
	}); err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}

	if err := container.Invoke(func(
		reg domain.ProviderRegistry,
		openaiProvider *openai.Provider,
	) error {
		if openaiProvider != nil {
			if err := reg.Register(context.Background(), openaiProvider); err != nil {
				return fmt.Errorf("failed to register OpenAI provider: %w", err)
			}
		}
		return nil
	}); err != nil {
		// Ignore ErrProviderNotConfigured as it's expected for optional providers
		if !errors.Is(err, ErrProviderNotConfigured) {
			log.Fatalf("Failed to register providers: %v", err)
		}
	}

	// Pricing
	if err := container.Provide(func() (domain.PricingRegistry, error) {
		pricing := domain.NewInMemoryPricingRegistry()
		if err := openai.RegisterPricing(context.Background(), pricing); err != nil {
			return nil, err
		}
		return pricing, nil
	}); err != nil {
		log.Fatalf("Failed to provide pricing registry: %v", err)
	}

	// Conversation store
	if err := container.Provide(func(cfg *sqlite.Config) (domain.ConversationStore, error) {
		return sqlite.NewStore(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide conversation store: %v", err)
	}

	// Quota tracker
	if err := container.Provide(func(cfg *config.RedisConfig) domain.QuotaTracker {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return quotaredis.NewTracker(client, time.Duration(cfg.UsageTTLDays)*24*time.Hour)
	}); err != nil {
		log.Fatalf("Failed to provide quota tracker: %v", err)
	}

	// Ledger client
	if err := container.Provide(func(cfg *ledgerkafka.Config) (domain.LedgerClient, error) {
		return ledgerkafka.NewClient(cfg)
	}); err != nil {
		log.Fatalf("Failed to provide ledger client: %v", err)
	}

	// Unit counter
	if err := container.Provide(func() domain.UnitCounter {
		return tokenizer.NewCounter()
	}); err != nil {
		log.Fatalf("Failed to provide unit counter: %v", err)
	}

	// Identity resolution
	if err := container.Provide(auth.NewResolver); err != nil {
		log.Fatalf("Failed to provide identity resolver: %v", err)
	}

	// Core orchestrator
	if err := container.Provide(func(
		store domain.ConversationStore,
		ledger domain.LedgerClient,
		quota domain.QuotaTracker,
		pricing domain.PricingRegistry,
		units domain.UnitCounter,
		reg domain.ProviderRegistry,
		events domain.EventPublisher,
		billing *config.BillingConfig,
	) *domain.Orchestrator {
		return domain.NewOrchestrator(store, ledger, quota, pricing, units, reg, events, domain.Policy{
			AnonymousInteractionLimit: billing.AnonymousInteractionLimit,
			AssistantHoldUnits:        billing.AssistantHoldUnits,
		})
	}); err != nil {
		log.Fatalf("Failed to provide orchestrator: %v", err)
	}

	// Transport
	if err := container.Provide(ws.NewGateway); err != nil {
		log.Fatalf("Failed to provide websocket gateway: %v", err)
	}
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(http.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}
