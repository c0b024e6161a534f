// Package wakeup implements the external wake-up signal from spec.md
// §4.9: a message on a Redis pub/sub channel pokes the Agent Link and
// Browser Link to retry immediately regardless of backoff state. Poke
// also writes a sentinel key, but the key is not read back: writing the
// key alone does not wake the links. Grounded on
// packages/go-shared/redis.go's RedisClient wrapper (NewRedisClientWithOptions)
// and infra/browser-container/session_manager.go's direct rdb.Publish
// calls used to notify a companion process of a state change.
package wakeup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
)

// Waker is notified when an external wake-up signal arrives.
type Waker interface {
	Wakeup()
}

// Signal subscribes to the wake-up channel, fanning each message out to
// every registered Waker (the Agent Link and Browser Link). It does not
// watch the sentinel key.
type Signal struct {
	client  *redis.Client
	channel string
	key     string
	log     *bridgelog.Logger
	wakers  []Waker
}

// New creates a Signal backed by addr/password. Pass an empty addr to
// disable the feature entirely (Run becomes a no-op) — matching spec.md
// §4.9's wake-up signal being optional.
func New(addr, password, channel, key string, log *bridgelog.Logger) *Signal {
	if addr == "" {
		return &Signal{log: log}
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Signal{client: client, channel: channel, key: key, log: log}
}

// Register adds a Waker to be notified on every wake-up signal.
func (s *Signal) Register(w Waker) {
	s.wakers = append(s.wakers, w)
}

// Enabled reports whether a Redis backend was configured.
func (s *Signal) Enabled() bool { return s.client != nil }

// Run subscribes to the wake-up channel and blocks until ctx is
// cancelled. It is a no-op if Enabled() is false.
func (s *Signal) Run(ctx context.Context) {
	if s.client == nil {
		return
	}
	sub := s.client.Subscribe(ctx, s.channel)
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
			s.log.Info("wakeup signal received", map[string]any{"channel": msg.Channel})
			s.fanOut()
		}
	}
}

// Poke publishes a wake-up signal and writes the sentinel key, as the
// Agent itself might (spec.md §4.9 describes a shared surface both sides
// can write).
func (s *Signal) Poke(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, s.key, time.Now().Unix(), 0).Err(); err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, "wake").Err()
}

func (s *Signal) fanOut() {
	for _, w := range s.wakers {
		w.Wakeup()
	}
}
