package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
)

// limiterDatabase keeps rate limiter counters apart from the link cache in DB 0.
const limiterDatabase = 1

type Config struct {
	Host     string
	Port     int
	Password string
}

func LoadConfig() Config {
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	return Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     port,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
	}
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewClient connects to the cache server. An unreachable server is logged, not
// fatal: the link cache falls back to the database.
func NewClient(ctx context.Context, cfg Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       0,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to cache: %s", pong)
	}
	return client
}

// LimiterStorage returns fiber storage for the rate limiter backed by the same server.
func LimiterStorage(cfg Config) fiber.Storage {
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
