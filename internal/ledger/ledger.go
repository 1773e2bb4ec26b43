/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ledger keeps each room's bill. Totals live in memory and every charge
// is journaled to a durable store in the background.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Charge is one metering unit billed to a room. Seq increases by one per room
// and, with RoomID, identifies the charge across retries.
type Charge struct {
	RoomID string
	Seq    int64
	Amount decimal.Decimal
	At     time.Time
}

// MaxRoomIDLen is the width of the room_id column in both stores.
const MaxRoomIDLen = 64

// ErrRejected marks a charge a store can never accept. The journal does not
// retry it.
var ErrRejected = errors.New("charge rejected by ledger store")

func (c Charge) validate() error {
	switch {
	case c.RoomID == "" || len(c.RoomID) > MaxRoomIDLen:
		return fmt.Errorf("%w: room id %q", ErrRejected, c.RoomID)
	case c.Seq < 1:
		return fmt.Errorf("%w: seq %d", ErrRejected, c.Seq)
	case c.Amount.IsNegative():
		return fmt.Errorf("%w: negative amount %s", ErrRejected, c.Amount)
	}
	return nil
}

// Snapshot is the persisted state of one room's bill.
type Snapshot struct {
	RoomID  string
	Total   decimal.Decimal
	LastSeq int64
}

// Store persists charges. Append must be idempotent on (RoomID, Seq) and wrap
// errors that retrying cannot fix with ErrRejected.
type Store interface {
	Append(ctx context.Context, c Charge) error
	Totals(ctx context.Context) ([]Snapshot, error)
}
