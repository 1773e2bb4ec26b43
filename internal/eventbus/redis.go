/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/telemetry"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures  int
	RetryBackoff time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxFailures:  5,
		RetryBackoff: 30 * time.Second,
	}
}

// NewRedisClient builds the client shared by the event bus and the Redis ledger.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// RedisBus fans events out over Redis pub/sub. After MaxFailures consecutive
// publish errors it stops using Redis for RetryBackoff and serves local
// subscribers only.
type RedisBus struct {
	client *redis.Client
	local  *events.Bus
	logger zerolog.Logger
	nodeID string
	prefix string

	mu       sync.Mutex
	channels map[events.EventType]*redis.PubSub
	refs     map[events.EventType]int

	failCount    int
	maxFails     int
	openUntil    time.Time
	retryBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBus creates a Redis-backed event bus on an existing client. An
// unreachable server starts the bus with the breaker open.
func NewRedisBus(client *redis.Client, cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		client:       client,
		local:        events.NewBus(),
		logger:       logger.With().Str("component", "redis_bus").Logger(),
		nodeID:       nodeID,
		prefix:       "roomair.events:",
		channels:     make(map[events.EventType]*redis.PubSub),
		refs:         make(map[events.EventType]int),
		maxFails:     cfg.MaxFailures,
		retryBackoff: cfg.RetryBackoff,
		ctx:          ctx,
		cancel:       cancel,
	}
	if rb.maxFails < 1 {
		rb.maxFails = 1
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rb.logger.Warn().Err(err).Msg("Redis unreachable, serving local subscribers only for now")
		rb.openUntil = time.Now().Add(rb.retryBackoff)
		return rb
	}

	rb.logger.Info().Str("node_id", nodeID).Msg("Redis event bus initialized")
	return rb
}

// Subscribe registers a local subscriber and joins the Redis channel for the type.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := rb.local.Subscribe(eventType)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.refs[eventType]++
	if _, ok := rb.channels[eventType]; !ok {
		pubsub := rb.client.Subscribe(rb.ctx, rb.prefix+string(eventType))
		rb.channels[eventType] = pubsub
		rb.wg.Add(1)
		go rb.receive(eventType, pubsub)
	}
	return sub
}

// receive republishes messages from other nodes to local subscribers.
func (rb *RedisBus) receive(eventType events.EventType, pubsub *redis.PubSub) {
	defer rb.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				rb.logger.Debug().Str("event_type", string(eventType)).Msg("Redis subscription closed")
				return
			}
			wm, err := unmarshalMessage([]byte(msg.Payload))
			if err != nil {
				rb.logger.Warn().Err(err).Msg("dropping malformed Redis message")
				continue
			}
			if wm.NodeID == rb.nodeID {
				continue
			}
			rb.local.Publish(eventType, wm.Payload)
		}
	}
}

// Publish delivers locally, then to Redis unless the breaker is open.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	rb.mu.Lock()
	open := time.Now().Before(rb.openUntil)
	rb.mu.Unlock()
	if open {
		return
	}

	data, err := marshalMessage(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()
	if err := rb.client.Publish(ctx, rb.prefix+string(eventType), data).Err(); err != nil {
		telemetry.EventBusPublishErrorsTotal.WithLabelValues("redis").Inc()
		rb.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Redis publish failed")
		rb.recordFailure()
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

func (rb *RedisBus) recordFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.failCount++
	if rb.failCount >= rb.maxFails {
		rb.openUntil = time.Now().Add(rb.retryBackoff)
		rb.failCount = 0
		rb.logger.Warn().
			Dur("retry_in", rb.retryBackoff).
			Msg("Redis failure threshold reached, publishing locally only")
	}
}

// Unsubscribe removes a local subscriber and leaves the Redis channel when it was the last one.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.refs[eventType] == 0 {
		return
	}
	rb.refs[eventType]--
	if rb.refs[eventType] == 0 {
		if pubsub, ok := rb.channels[eventType]; ok {
			_ = pubsub.Close()
			delete(rb.channels, eventType)
		}
	}
}

// Close stops receivers and closes subscriptions. The client is owned by the caller.
func (rb *RedisBus) Close() error {
	rb.cancel()
	rb.mu.Lock()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.mu.Unlock()
	rb.wg.Wait()
	rb.logger.Info().Msg("Redis event bus closed")
	return nil
}
