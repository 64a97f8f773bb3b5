package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/redis"
)

// Guard marks ids as seen within a scope using Redis SETNX with a TTL.
// Keys follow `vf:idempotency:<scope>:<id>`.
type Guard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope is required")
	}
	return &Guard{store: store, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports whether id was already marked and marks it otherwise.
func (g *Guard) CheckAndMark(ctx context.Context, id string) (bool, error) {
	key, err := g.key(id)
	if err != nil {
		return false, err
	}
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

// Release forgets id so a later delivery is processed again.
func (g *Guard) Release(ctx context.Context, id string) error {
	key, err := g.key(id)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) key(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("id is required")
	}
	return g.store.IdempotencyKey(g.scope, id), nil
}
