/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "roomair.events.",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus fans events out over core NATS subjects. While disconnected the
// client buffers publishes and reconnects in the background.
type NATSBus struct {
	conn   *nats.Conn
	local  *events.Bus
	logger zerolog.Logger
	nodeID string
	prefix string

	mu   sync.Mutex
	subs map[events.EventType]*nats.Subscription
	refs map[events.EventType]int
}

// NewNATSBus connects to NATS. A server that is down at startup is retried in
// the background rather than failing the process.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "nats_bus").Logger()
	opts := []nats.Option{
		nats.Name("roomair-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "roomair.events."
	}
	logger.Info().Str("url", cfg.URL).Str("node_id", nodeID).Msg("NATS event bus initialized")
	return &NATSBus{
		conn:   conn,
		local:  events.NewBus(),
		logger: logger,
		nodeID: nodeID,
		prefix: prefix,
		subs:   make(map[events.EventType]*nats.Subscription),
		refs:   make(map[events.EventType]int),
	}, nil
}

// Subscribe registers a local subscriber and joins the subject for the type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.refs[eventType]++
	if _, ok := nb.subs[eventType]; ok {
		return sub
	}
	s, err := nb.conn.Subscribe(nb.prefix+string(eventType), func(msg *nats.Msg) {
		wm, err := unmarshalMessage(msg.Data)
		if err != nil {
			nb.logger.Warn().Err(err).Msg("dropping malformed NATS message")
			return
		}
		if wm.NodeID == nb.nodeID {
			return
		}
		nb.local.Publish(eventType, wm.Payload)
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("NATS subscribe failed, local events only")
		return sub
	}
	nb.subs[eventType] = s
	return sub
}

// Publish delivers locally and to the NATS subject.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(nb.prefix+string(eventType), data); err != nil {
		telemetry.EventBusPublishErrorsTotal.WithLabelValues("nats").Inc()
		nb.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("NATS publish failed")
	}
}

// Unsubscribe removes a local subscriber and leaves the subject after the last one.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.refs[eventType] == 0 {
		return
	}
	nb.refs[eventType]--
	if nb.refs[eventType] == 0 {
		if s, ok := nb.subs[eventType]; ok {
			_ = s.Unsubscribe()
			delete(nb.subs, eventType)
		}
	}
}

// Close drains pending messages and closes the connection.
func (nb *NATSBus) Close() error {
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
