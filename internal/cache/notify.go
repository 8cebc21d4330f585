package cache

import (
	"context"
	"encoding/json"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/woosul/marketfabric/internal/model"
)

const changeChannel = "marketfabric:record-updated"

// RedisNotifier publishes every successful Upsert onto a Redis pub/sub
// channel so a process other than the one holding the in-memory Store
// (an adjacent dashboard API instance, for example) can react to
// changes without polling the Cache Store directly. Deliberately kept
// on the older go-redis/v8 client, distinct from the v9 client used by
// RedisMirror, since pub/sub and the mirror are independent concerns
// with independent connection lifecycles.
type RedisNotifier struct {
	client *redisv8.Client
}

// NewRedisNotifier connects to addr for publish-only use.
func NewRedisNotifier(addr string) *RedisNotifier {
	return &RedisNotifier{client: redisv8.NewClient(&redisv8.Options{Addr: addr})}
}

// NewAutoNotifier returns a RedisNotifier when addr is non-empty, or
// nil to disable publication entirely.
func NewAutoNotifier(addr string) *RedisNotifier {
	if addr == "" {
		return nil
	}
	return NewRedisNotifier(addr)
}

// Publish sends rec as a JSON payload on the shared change channel.
// Failures are logged and returned; the Store ignores the error, since
// notification is a convenience, never a correctness requirement for
// the Cache Store itself.
func (n *RedisNotifier) Publish(rec model.CachedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := n.client.Publish(ctx, changeChannel, payload).Err(); err != nil {
		log.Debug().Err(err).Msg("redis notify publish failed")
		return err
	}
	return nil
}

// Subscribe returns a channel of decoded CachedRecord updates. The
// caller must cancel ctx to stop the subscription goroutine.
func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan model.CachedRecord {
	out := make(chan model.CachedRecord)
	sub := n.client.Subscribe(ctx, changeChannel)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec model.CachedRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.Debug().Err(err).Msg("redis notify decode failed")
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
