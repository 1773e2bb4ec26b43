/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/telemetry"
)

type envelope struct {
	roomID string
	event  dispatch.Event
	at     time.Time
}

// Dispatcher implements dispatch.Notifier. Notify enqueues; a single worker
// delivers to the hub and publishes to the event bus.
type Dispatcher struct {
	hub    *Hub
	bus    events.Publisher
	queue  chan envelope
	logger zerolog.Logger
	now    func() time.Time
}

// NewDispatcher creates a notifier with a queue of size entries. bus may be nil.
func NewDispatcher(hub *Hub, bus events.Publisher, size int, logger zerolog.Logger) *Dispatcher {
	if size < 1 {
		size = 1024
	}
	return &Dispatcher{
		hub:    hub,
		bus:    bus,
		queue:  make(chan envelope, size),
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}
}

// Notify queues the event. A full queue drops it.
func (d *Dispatcher) Notify(roomID string, ev dispatch.Event) {
	select {
	case d.queue <- envelope{roomID: roomID, event: ev, at: d.now()}:
	default:
		telemetry.NotifyDroppedTotal.WithLabelValues("queue_full").Inc()
		d.logger.Debug().Str("room", roomID).Str("state", string(ev.State)).Msg("notification queue full, event dropped")
	}
}

// Run drains the queue until ctx is cancelled, then delivers what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case env := <-d.queue:
			d.deliver(env)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case env := <-d.queue:
			d.deliver(env)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(env envelope) {
	if d.bus != nil {
		d.bus.Publish(events.EventRoomState, events.Payload{
			"room_id": env.roomID,
			"state":   string(env.event.State),
			"bill":    env.event.Bill.String(),
			"at":      env.at.UTC().Format(time.RFC3339Nano),
		})
		telemetry.NotifyDeliveredTotal.WithLabelValues("bus").Inc()
	}

	err := d.hub.Deliver(env.roomID, env.event)
	switch {
	case err == nil:
		telemetry.NotifyDeliveredTotal.WithLabelValues("websocket").Inc()
	case errors.Is(err, ErrNoChannel):
		telemetry.NotifyDroppedTotal.WithLabelValues("no_channel").Inc()
	case errors.Is(err, ErrChannelFull):
		telemetry.NotifyDroppedTotal.WithLabelValues("channel_full").Inc()
		d.logger.Debug().Str("room", env.roomID).Msg("room channel full, event dropped")
	}
}

var _ dispatch.Notifier = (*Dispatcher)(nil)
