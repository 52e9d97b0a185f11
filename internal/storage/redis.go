package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/parley/internal/util"
)

const statusKeyPrefix = "parley:status:"

// StatusStore persists manual statuses.
type StatusStore interface {
	LoadStatus(userID string) (string, error)
	SaveStatus(userID, status string) error
}

// StatusCache is a write-through redis cache in front of another
// StatusStore. Redis failures fall back to the backing store.
type StatusCache struct {
	rdb  *redis.Client
	next StatusStore
	ttl  time.Duration
}

// NewStatusCache connects to redis at addr and verifies the connection.
func NewStatusCache(ctx context.Context, addr string, next StatusStore) (*StatusCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &StatusCache{rdb: rdb, next: next, ttl: 24 * time.Hour}, nil
}

func (c *StatusCache) LoadStatus(userID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()

	s, err := c.rdb.Get(ctx, statusKeyPrefix+userID).Result()
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Warnf("STORAGE: redis get %s: %v", userID, err)
	}

	s, err = c.next.LoadStatus(userID)
	if err != nil || s == "" {
		return s, err
	}
	if err := c.rdb.Set(ctx, statusKeyPrefix+userID, s, c.ttl).Err(); err != nil {
		log.Warnf("STORAGE: redis fill %s: %v", userID, err)
	}
	return s, nil
}

func (c *StatusCache) SaveStatus(userID, status string) error {
	if err := c.next.SaveStatus(userID, status); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := c.rdb.Set(ctx, statusKeyPrefix+userID, status, c.ttl).Err(); err != nil {
		log.Warnf("STORAGE: redis set %s: %v", userID, err)
	}
	return nil
}

func (c *StatusCache) Close() error { return c.rdb.Close() }
