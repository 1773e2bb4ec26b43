/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger holds the accumulated bill per room. Implementations must not block:
// the dispatcher calls them while holding its lock.
type Ledger interface {
	// Total returns the room's current bill, zero for unknown rooms.
	Total(roomID string) decimal.Decimal
	// Add appends one charge to the room's bill.
	Add(roomID string, delta decimal.Decimal)
}

// EventState is the state pushed to a room's panel.
type EventState string

const (
	StateOn   EventState = "on"
	StateOff  EventState = "off"
	StateWait EventState = "wait"
)

// Event is a best-effort push to a room.
type Event struct {
	State EventState      `json:"state"`
	Bill  decimal.Decimal `json:"bill"`
}

// Notifier delivers events to rooms. Notify must return immediately.
type Notifier interface {
	Notify(roomID string, ev Event)
}

// UsageEntry describes one handled submit for the usage history.
type UsageEntry struct {
	RoomID    string
	Operation string
	Tier      Tier
	Params    Params
	Result    EventState
	Bill      decimal.Decimal
	At        time.Time
}

// UsageRecorder appends usage entries. Record must return immediately.
type UsageRecorder interface {
	Record(entry UsageEntry)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, Event) {}

type nopRecorder struct{}

func (nopRecorder) Record(UsageEntry) {}
