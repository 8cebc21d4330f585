package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/woosul/marketfabric/internal/model"
	"github.com/woosul/marketfabric/internal/net/circuit"
)

// RedisMirror is the optional write-through Redis tier. Calls are
// guarded by a circuit breaker so a degraded Redis never blocks the
// in-memory hot path: a tripped breaker just skips the mirror write
// and the in-memory Store keeps serving on its own.
type RedisMirror struct {
	client  *redis.Client
	breaker *circuit.Breaker
	timeout time.Duration
}

// NewRedisMirror connects to addr and wraps calls in a circuit breaker
// tuned for a fast, best-effort side channel rather than a critical
// dependency.
func NewRedisMirror(addr string) *RedisMirror {
	breaker := circuit.NewBreaker(circuit.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		RequestTimeout:   500 * time.Millisecond,
	})

	return &RedisMirror{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		breaker: breaker,
		timeout: 500 * time.Millisecond,
	}
}

// NewAutoMirror returns a RedisMirror when addr is non-empty, or nil
// when it is. The result is a *RedisMirror, so callers check it for nil
// before passing it to cache.NewStore(maxEntries, mirror, ...); a Store
// built with a nil mirror runs in in-memory-only mode.
func NewAutoMirror(addr string) *RedisMirror {
	if addr == "" {
		return nil
	}
	return NewRedisMirror(addr)
}

// Set mirrors one record into Redis, guarded by the circuit breaker.
func (m *RedisMirror) Set(key string, rec model.CachedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = m.breaker.Call(context.Background(), func(ctx context.Context) error {
		return m.client.Set(ctx, key, payload, 0).Err()
	})
	if err != nil && !errors.Is(err, circuit.ErrCircuitOpen) {
		log.Debug().Err(err).Str("key", key).Msg("redis mirror set failed")
	}
	return err
}

// Get reads one record from Redis. A tripped breaker or a Redis error is
// reported as "not found" rather than propagated, since Get callers
// already have an in-memory fallback; a stored payload that fails to
// decode is returned as an error.
func (m *RedisMirror) Get(key string) (model.CachedRecord, bool, error) {
	var raw []byte
	err := m.breaker.Call(context.Background(), func(ctx context.Context) error {
		var callErr error
		raw, callErr = m.client.Get(ctx, key).Bytes()
		return callErr
	})
	if err != nil {
		return model.CachedRecord{}, false, nil
	}

	var rec model.CachedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.CachedRecord{}, false, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, true, nil
}

// Stats exposes the breaker's health for the ambient /healthz surface.
func (m *RedisMirror) Stats() circuit.Stats {
	return m.breaker.Stats()
}
