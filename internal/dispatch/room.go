/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxRoomIDLen matches the room_id column width of the ledger and usage tables.
const MaxRoomIDLen = 64

var (
	// ErrInvalidTier indicates a tier outside low/medium/high.
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidState indicates a submit state other than on/off.
	ErrInvalidState = errors.New("invalid request state")

	// ErrInvalidRoom indicates an empty or malformed room id.
	ErrInvalidRoom = errors.New("invalid room id")
)

// NormalizeRoomID trims id and checks that it fits the stores: non-empty, at
// most MaxRoomIDLen bytes of valid UTF-8 and printable throughout.
func NormalizeRoomID(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", ErrInvalidRoom
	case len(id) > MaxRoomIDLen:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidRoom, MaxRoomIDLen)
	case !utf8.ValidString(id):
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidRoom)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: non-printable character %U", ErrInvalidRoom, r)
		}
	}
	return id, nil
}

// Pool is the scheduling pool a room currently occupies.
type Pool string

const (
	PoolServing Pool = "serving"
	PoolWaiting Pool = "waiting"
	PoolOff     Pool = "off"
)

// Params carries the room's resource request. The dispatcher never interprets it.
type Params struct {
	Mode     string  `json:"mode"`
	SetPoint float64 `json:"set_point"`
	Measured float64 `json:"measured_value"`
}

// Room is one tenant tracked by the registry.
type Room struct {
	ID     string
	Tier   Tier
	Params Params
	Pool   Pool

	// ServingElapsed accumulates since the room last entered serving.
	ServingElapsed time.Duration
	// BillingElapsed accumulates since the last charged metering unit.
	BillingElapsed time.Duration
	// WaitingRemaining counts down to a forced promotion while waiting.
	WaitingRemaining time.Duration
}

// RoomStatus is the query view of a room.
type RoomStatus struct {
	RoomID   string  `json:"room_id"`
	Pool     Pool    `json:"pool"`
	Tier     string  `json:"tier"`
	Mode     string  `json:"mode"`
	Measured float64 `json:"measured_value"`
	SetPoint float64 `json:"set_point"`
}

// Schedule lists room ids per pool in scheduling order.
type Schedule struct {
	Serving []string `json:"serving"`
	Waiting []string `json:"waiting"`
}

// Outcome is the result of an admission attempt.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeWaiting
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeWaiting:
		return "waiting"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Pool maps the outcome to the pool the room ends up in.
func (o Outcome) Pool() Pool {
	switch o {
	case OutcomeAccepted:
		return PoolServing
	case OutcomeWaiting:
		return PoolWaiting
	default:
		return PoolOff
	}
}
