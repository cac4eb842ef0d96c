package ratelimit

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// DefaultPrefix namespaces limiter counters in Redis.
const DefaultPrefix = "ratelimit:webhook"

// New builds a limiter for a formatted rate such as "600-M". Counters live in
// Redis when client is set so every replica shares them, otherwise in memory.
func New(rate string, client redis.UniversalClient, prefix string) (*limiter.Limiter, error) {
	parsed, err := limiter.NewRateFromFormatted(strings.TrimSpace(rate))
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	var store limiter.Store
	if client != nil {
		store, err = limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
		if err != nil {
			return nil, fmt.Errorf("limiter redis store: %w", err)
		}
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix, CleanUpInterval: limiter.DefaultCleanUpInterval})
	}
	return limiter.New(store, parsed), nil
}
