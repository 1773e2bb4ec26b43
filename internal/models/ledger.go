/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerCharge is one metering unit charged to a room. (RoomID, Seq) is unique
// so a replayed charge is stored once.
type LedgerCharge struct {
	ID        string          `gorm:"type:varchar(36);primaryKey"`
	RoomID    string          `gorm:"type:varchar(64);uniqueIndex:idx_ledger_room_seq,priority:1"`
	Seq       int64           `gorm:"uniqueIndex:idx_ledger_room_seq,priority:2"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,4)"`
	ChargedAt time.Time       `gorm:"index"`
	CreatedAt time.Time
}

// LedgerTotal is the running bill of a room and the last sequence folded into it.
type LedgerTotal struct {
	RoomID    string          `gorm:"type:varchar(64);primaryKey"`
	Total     decimal.Decimal `gorm:"type:numeric(18,4)"`
	LastSeq   int64
	UpdatedAt time.Time
}
