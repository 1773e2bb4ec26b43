/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/friendsincode/roomair/internal/config"
	"github.com/friendsincode/roomair/internal/models"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	cfg := &config.Config{
		Environment: "test",
		DBBackend:   config.DatabaseSQLite,
		DBDSN:       "file::memory:?cache=shared",
	}
	database, err := Connect(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	charge := models.LedgerCharge{
		ID:        uuid.NewString(),
		RoomID:    "101",
		Seq:       1,
		Amount:    decimal.NewFromInt(6),
		ChargedAt: time.Now(),
	}
	if err := database.Create(&charge).Error; err != nil {
		t.Fatalf("create charge: %v", err)
	}

	dup := charge
	dup.ID = uuid.NewString()
	if err := database.Create(&dup).Error; err == nil {
		t.Fatal("expected unique (room_id, seq) violation")
	}

	var got models.LedgerCharge
	if err := database.First(&got, "room_id = ? AND seq = ?", "101", 1).Error; err != nil {
		t.Fatalf("load charge: %v", err)
	}
	if !got.Amount.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("amount = %s, want 6", got.Amount)
	}
}

func TestConnectRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{DBBackend: "oracle", DBDSN: "x"}
	if _, err := Connect(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
