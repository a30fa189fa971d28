package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/config"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	fiberredis "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis-compatible cache server.
// A failed ping is logged; callers that read through the cache degrade to
// their source of truth.
func SetupCache(cfg config.Cache) *redis.Client {
	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if pong, err := client.Ping(ctx).Result(); err != nil {
		log.Warnf("[Cache] could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] connected: %s", pong)
	}
	return client
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	return client
}

// NewLimiterStorage returns a fiber storage backed by the same cache server,
// used by the API rate limiter.
func NewLimiterStorage(cfg config.Cache) fiber.Storage {
	return fiberredis.New(fiberredis.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: cfg.Database,
		Reset:    false,
	})
}
