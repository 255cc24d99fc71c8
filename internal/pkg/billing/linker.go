package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	linkCacheKeyPrefix  = "billing:customer:"
	sharedLookupTimeout = 5 * time.Second
)

// LinkCache memoizes customer -> user lookups.
type LinkCache interface {
	Get(ctx context.Context, customerID string) (uint, bool, error)
	Set(ctx context.Context, customerID string, userID uint) error
	Delete(ctx context.Context, customerID string) error
}

// RedisLinkCache stores links as plain string values with a TTL.
type RedisLinkCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLinkCache(client *redis.Client, ttl time.Duration) *RedisLinkCache {
	return &RedisLinkCache{client: client, ttl: ttl}
}

func (c *RedisLinkCache) Get(ctx context.Context, customerID string) (uint, bool, error) {
	val, err := c.client.Get(ctx, linkCacheKeyPrefix+customerID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	userID, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt link cache entry for %s: %w", customerID, err)
	}
	return uint(userID), true, nil
}

func (c *RedisLinkCache) Set(ctx context.Context, customerID string, userID uint) error {
	return c.client.Set(ctx, linkCacheKeyPrefix+customerID, strconv.FormatUint(uint64(userID), 10), c.ttl).Err()
}

func (c *RedisLinkCache) Delete(ctx context.Context, customerID string) error {
	return c.client.Del(ctx, linkCacheKeyPrefix+customerID).Err()
}

// MemoryLinkCache is a process-local LRU used when no cache server is configured.
type MemoryLinkCache struct {
	cache *lru.LRU[string, uint]
}

func NewMemoryLinkCache(size int, ttl time.Duration) *MemoryLinkCache {
	if size < 10 {
		size = 10
	}
	return &MemoryLinkCache{cache: lru.NewLRU[string, uint](size, nil, ttl)}
}

func (c *MemoryLinkCache) Get(ctx context.Context, customerID string) (uint, bool, error) {
	userID, ok := c.cache.Get(customerID)
	return userID, ok, nil
}

func (c *MemoryLinkCache) Set(ctx context.Context, customerID string, userID uint) error {
	c.cache.Add(customerID, userID)
	return nil
}

func (c *MemoryLinkCache) Delete(ctx context.Context, customerID string) error {
	c.cache.Remove(customerID)
	return nil
}

// Linker resolves provider customer ids to internal users.
type Linker struct {
	profiles ProfileRepository
	cache    LinkCache
	log      *logrus.Logger
	metrics  *metrics.Metrics
	lookups  singleflight.Group
}

// NewLinker creates a linker. cache may be nil.
func NewLinker(profiles ProfileRepository, cache LinkCache, log *logrus.Logger, m *metrics.Metrics) *Linker {
	if log == nil {
		log = logrus.New()
	}
	return &Linker{profiles: profiles, cache: cache, log: log, metrics: m}
}

// Resolve returns the user linked to customerID or a *LinkNotFoundError.
func (l *Linker) Resolve(ctx context.Context, customerID string) (uint, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, &LinkNotFoundError{}
	}

	if l.cache != nil {
		userID, ok, err := l.cache.Get(ctx, customerID)
		switch {
		case err != nil:
			l.metrics.LinkCache("error")
			l.log.WithError(err).WithField("customer_id", customerID).Warn("link cache lookup failed, falling back to database")
		case ok:
			l.metrics.LinkCache("hit")
			return userID, nil
		default:
			l.metrics.LinkCache("miss")
		}
	}

	// Concurrent deliveries for one customer share a single database lookup,
	// detached from the cancellation of the caller that started it.
	v, err, _ := l.lookups.Do(customerID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()

		profile, err := l.profiles.FindProfileByCustomerID(lookupCtx, customerID)
		if err != nil {
			return uint(0), err
		}
		l.remember(lookupCtx, customerID, profile.UserID)
		return profile.UserID, nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, &LinkNotFoundError{CustomerID: customerID}
	}
	if err != nil {
		return 0, &DownstreamWriteError{Op: "lookup profile", Err: err}
	}
	return v.(uint), nil
}

// Link refreshes the customer id on the user's existing profile.
func (l *Linker) Link(ctx context.Context, userID uint, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil
	}

	previous, err := l.profiles.UpdateProfileCustomerID(ctx, userID, customerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &LinkNotFoundError{CustomerID: customerID, UserID: userID}
	}
	if err != nil {
		return &DownstreamWriteError{Op: "refresh profile link", Err: err}
	}

	if previous != "" && previous != customerID && l.cache != nil {
		if err := l.cache.Delete(ctx, previous); err != nil {
			l.log.WithError(err).WithField("customer_id", previous).Warn("failed to evict stale link")
		}
	}
	l.remember(ctx, customerID, userID)
	return nil
}

func (l *Linker) remember(ctx context.Context, customerID string, userID uint) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, customerID, userID); err != nil {
		l.log.WithError(err).WithField("customer_id", customerID).Warn("failed to cache link")
	}
}
