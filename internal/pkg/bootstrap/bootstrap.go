// Package bootstrap wires the billing engine from environment configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/cache"
	"github.com/ManuelReschke/billingfox/internal/pkg/database"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/ManuelReschke/billingfox/internal/pkg/eventbus"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/ManuelReschke/billingfox/internal/pkg/s3archive"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const linkCacheSize = 10000

// Services holds the assembled billing components.
type Services struct {
	Config      billing.Config
	CacheConfig cache.Config
	DB          *gorm.DB
	Cache       *redis.Client
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Log         *logrus.Logger
	Tiers       *billing.TierResolver
	Store       *billing.SubscriptionStore
	Router      *billing.Router
	Drift       *billing.DriftReporter

	publisher *eventbus.Publisher
	owned     bool
}

// New connects to the database and cache, then assembles the engine.
func New(ctx context.Context, log *logrus.Logger) (*Services, error) {
	cfg := billing.LoadConfigFromEnv()
	if err := cfg.Validate(env.IsProd()); err != nil {
		return nil, err
	}

	db, err := database.Open(database.LoadConfig())
	if err != nil {
		return nil, err
	}

	cacheCfg := cache.LoadConfig()
	client := cache.NewClient(ctx, cacheCfg)

	s, err := Assemble(ctx, cfg, db, client, log)
	if err != nil {
		database.Close(db)
		client.Close()
		return nil, err
	}
	s.CacheConfig = cacheCfg
	s.owned = true
	return s, nil
}

// Assemble builds every component on top of an open database and cache client.
// The caller keeps ownership of db and client. S3 archiving and AMQP publishing
// are enabled by their own environment settings.
func Assemble(ctx context.Context, cfg billing.Config, db *gorm.DB, client *redis.Client, log *logrus.Logger) (*Services, error) {
	if log == nil {
		log = logrus.New()
	}

	rules, err := billing.LoadTierRules(cfg.TierRulesFile)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	repo := billing.NewRepository(db)
	tiers := billing.NewTierResolver(rules)
	store := billing.NewSubscriptionStore(repo, log, m)

	var linkCache billing.LinkCache = billing.NewMemoryLinkCache(linkCacheSize, cfg.LinkCacheTTL)
	if client != nil {
		linkCache = billing.NewRedisLinkCache(client, cfg.LinkCacheTTL)
	}

	var provider billing.ProviderClient
	if cfg.StripeSecretKey != "" {
		provider = billing.NewStripeProvider(cfg.StripeSecretKey, cfg.Breaker, log, m)
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, subscriptions are reconciled from event payloads only")
	}

	s := &Services{
		Config:   cfg,
		DB:       db,
		Cache:    client,
		Registry: registry,
		Metrics:  m,
		Log:      log,
		Tiers:    tiers,
		Store:    store,
		Drift:    billing.NewDriftReporter(repo, cfg.DriftGrace, log, m),
	}

	opts, err := s.routerOptions(ctx)
	if err != nil {
		return nil, err
	}

	s.Router = billing.NewRouter(billing.NewVerifier(cfg.WebhookSecret, log, m), repo, log, m, opts...)
	billing.NewHandlers(
		billing.NewLinker(repo, linkCache, log, m),
		tiers,
		store,
		billing.NewLedger(repo, log, m),
		provider,
		log,
	).Register(s.Router)

	return s, nil
}

func (s *Services) routerOptions(ctx context.Context) ([]billing.RouterOption, error) {
	var opts []billing.RouterOption

	archiveCfg, err := s3archive.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("s3 archive config: %w", err)
	}
	if archiveCfg.IsEnabled() {
		archive, err := s3archive.NewClient(ctx, archiveCfg)
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		opts = append(opts, billing.WithArchiver(archive))
	}

	busCfg := eventbus.LoadConfig()
	if busCfg.IsEnabled() {
		publisher, err := eventbus.NewPublisher(busCfg)
		if err != nil {
			s.Log.WithError(err).Warn("event bus unavailable, subscription changes will not be published")
		} else {
			s.publisher = publisher
			opts = append(opts, billing.WithPublisher(publisher))
		}
	}

	return opts, nil
}

// Close releases the broker connection, and the database and cache when
// they were opened by New.
func (s *Services) Close() {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if !s.owned {
		return
	}
	if s.Cache != nil {
		s.Cache.Close()
	}
	database.Close(s.DB)
}
