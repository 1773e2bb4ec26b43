/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageRecord is one handled panel request, kept for the manager report.
type UsageRecord struct {
	ID        string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	RoomID    string          `gorm:"type:varchar(64);index:idx_usage_room_time,priority:1" json:"room_id"`
	Operation string          `gorm:"type:varchar(16)" json:"operation"`
	Tier      string          `gorm:"type:varchar(16)" json:"tier"`
	Mode      string          `gorm:"type:varchar(16)" json:"mode"`
	SetPoint  float64         `json:"set_point"`
	Measured  float64         `json:"measured_value"`
	Result    string          `gorm:"type:varchar(8)" json:"result"`
	Bill      decimal.Decimal `gorm:"type:numeric(18,4)" json:"bill"`
	At        time.Time       `gorm:"index:idx_usage_room_time,priority:2;index" json:"at"`
}
