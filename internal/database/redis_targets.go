package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// targetKeyPrefix namespaces exit target keys: exit:target:{symbol}
	targetKeyPrefix = "exit:target"

	// targetTTL keeps stale targets from accumulating after positions
	// close while the process is down
	targetTTL = 7 * 24 * time.Hour
)

// PersistedTarget is the stored trailing target snapshot. It feeds
// dashboards and post-mortems; the exit engine never reads it back.
type PersistedTarget struct {
	Symbol  string    `json:"symbol"`
	Target  float64   `json:"target"`
	SavedAt time.Time `json:"saved_at"`
}

// RedisTargetStore persists trailing exit targets in Redis
type RedisTargetStore struct {
	client *redis.Client
}

// NewRedisTargetStore creates the store. Ping failures are left to the
// caller; the exit engine treats persistence as best-effort anyway.
func NewRedisTargetStore(client *redis.Client) *RedisTargetStore {
	return &RedisTargetStore{client: client}
}

func targetKey(symbol string) string {
	return fmt.Sprintf("%s:%s", targetKeyPrefix, symbol)
}

// SaveTarget writes the current best target for a symbol
func (s *RedisTargetStore) SaveTarget(ctx context.Context, symbol string, target float64) error {
	data, err := json.Marshal(PersistedTarget{
		Symbol:  symbol,
		Target:  target,
		SavedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	if err := s.client.Set(ctx, targetKey(symbol), data, targetTTL).Err(); err != nil {
		return fmt.Errorf("save target for %s: %w", symbol, err)
	}
	return nil
}

// DeleteTarget clears the persisted target when a position closes
func (s *RedisTargetStore) DeleteTarget(ctx context.Context, symbol string) error {
	if err := s.client.Del(ctx, targetKey(symbol)).Err(); err != nil {
		return fmt.Errorf("delete target for %s: %w", symbol, err)
	}
	return nil
}

// GetTarget reads a persisted target, for the read-only API
func (s *RedisTargetStore) GetTarget(ctx context.Context, symbol string) (*PersistedTarget, error) {
	data, err := s.client.Get(ctx, targetKey(symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get target for %s: %w", symbol, err)
	}
	var target PersistedTarget
	if err := json.Unmarshal(data, &target); err != nil {
		return nil, fmt.Errorf("unmarshal target for %s: %w", symbol, err)
	}
	return &target, nil
}
