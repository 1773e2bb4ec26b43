/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notify delivers dispatcher events to room panels and the event bus.
package notify

import (
	"errors"
	"sync"

	"github.com/friendsincode/roomair/internal/dispatch"
)

var (
	// ErrNoChannel indicates the room has no live connection.
	ErrNoChannel = errors.New("room has no live channel")

	// ErrChannelFull indicates the room's outbound buffer is full.
	ErrChannelFull = errors.New("room channel full")
)

// Channel is one live connection's outbound event stream.
type Channel struct {
	roomID string
	events chan dispatch.Event
	closed bool
}

// RoomID returns the room the channel belongs to.
func (c *Channel) RoomID() string { return c.roomID }

// Events is closed when the channel is detached or replaced by a newer connection.
func (c *Channel) Events() <-chan dispatch.Event { return c.events }

// Hub maps rooms to their current live channel. A room has at most one.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Channel
	bufSize  int
}

// NewHub creates a hub whose channels buffer bufSize events.
func NewHub(bufSize int) *Hub {
	if bufSize < 1 {
		bufSize = 16
	}
	return &Hub{channels: make(map[string]*Channel), bufSize: bufSize}
}

// Attach registers a new channel for the room and closes the previous one.
func (h *Hub) Attach(roomID string) *Channel {
	ch := &Channel{roomID: roomID, events: make(chan dispatch.Event, h.bufSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.channels[roomID]; ok {
		h.close(old)
	}
	h.channels[roomID] = ch
	return ch
}

// Detach closes the channel. It reports whether the channel was still the
// room's current one.
func (h *Hub) Detach(ch *Channel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.channels[ch.roomID] == ch
	if current {
		delete(h.channels, ch.roomID)
	}
	h.close(ch)
	return current
}

// Deliver hands the event to the room's channel without blocking.
func (h *Hub) Deliver(roomID string, ev dispatch.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[roomID]
	if !ok {
		return ErrNoChannel
	}
	select {
	case ch.events <- ev:
		return nil
	default:
		return ErrChannelFull
	}
}

// Connected returns the number of rooms with a live channel.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *Hub) close(ch *Channel) {
	if !ch.closed {
		ch.closed = true
		close(ch.events)
	}
}
