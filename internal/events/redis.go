package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dreambigrsa/liveassist/internal/logger"
)

// RedisBus publishes events on a Redis pub/sub channel so every replica's
// Hub sees every transition.
type RedisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects to url (redis://host:port/db) and verifies the
// connection.
func NewRedisBus(url, channel string, log *logger.Logger) (*RedisBus, error) {
	if log == nil {
		log = logger.Nop()
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("events: parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: redis ping: %w", err)
	}
	if channel == "" {
		channel = "liveassist.sessions"
	}
	return &RedisBus{log: log.With("service", "RedisEventBus"), rdb: rdb, channel: channel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev SessionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the channel and calls onEvent for every
// message until ctx is cancelled. It returns once the subscription is live.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(SessionEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("events: onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("events: redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev SessionEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
