package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries job channels over Redis pub/sub so events fan out
// across processes.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: logger}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe binds to a Redis channel. The SUBSCRIBE confirmation is awaited
// before returning, so publishes after return are observed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	var once sync.Once
	done := make(chan struct{})
	unsub := func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				b.log.Warn("pubsub close failed", "channel", channel, "error", err)
			}
		})
	}

	go func() {
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("dropping undecodable event", "channel", channel, "error", err)
				continue
			}
			h(ev)
		}
		// Channel closed: deliberate unsubscribe is silent, a lost
		// connection surfaces as a transport error.
		select {
		case <-done:
		default:
			h(TransportErrorEvent(jobIDFromChannel(channel), "event bus connection lost"))
		}
	}()

	return unsub, nil
}
