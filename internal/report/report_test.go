/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package report

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/roomair/internal/models"
	"github.com/friendsincode/roomair/internal/storage"
	"github.com/friendsincode/roomair/internal/usage"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleRecords() []models.UsageRecord {
	return []models.UsageRecord{
		{ID: "1", RoomID: "101", Operation: "on", Tier: "high", Mode: "cool", SetPoint: 22, Measured: 27.5, Result: "on", Bill: decimal.Zero, At: base},
		{ID: "2", RoomID: "102", Operation: "on", Tier: "low", Mode: "heat", SetPoint: 25, Measured: 18, Result: "off", Bill: decimal.Zero, At: base.Add(time.Minute)},
		{ID: "3", RoomID: "102", Operation: "on", Tier: "low", Mode: "heat", SetPoint: 25, Measured: 18, Result: "wait", Bill: decimal.Zero, At: base.Add(2 * time.Minute)},
		{ID: "4", RoomID: "101", Operation: "update", Tier: "high", Mode: "cool", SetPoint: 21, Measured: 26, Result: "on", Bill: decimal.NewFromInt(12), At: base.Add(3 * time.Minute)},
		{ID: "5", RoomID: "101", Operation: "off", Result: "off", Bill: decimal.NewFromInt(18), At: base.Add(4 * time.Minute)},
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize(sampleRecords())
	if len(got) != 2 {
		t.Fatalf("got %d summaries, want 2", len(got))
	}

	r101 := got[0]
	// The parameter-only update must not count as another admission.
	if r101.RoomID != "101" || r101.Requests != 3 || r101.Served != 1 || r101.Updated != 1 || r101.Released != 1 {
		t.Fatalf("unexpected 101 summary %+v", r101)
	}
	if !r101.Bill.Equal(decimal.NewFromInt(18)) || !r101.FirstAt.Equal(base) || !r101.LastAt.Equal(base.Add(4*time.Minute)) {
		t.Fatalf("unexpected 101 bill or window %+v", r101)
	}

	r102 := got[1]
	if r102.Rejected != 1 || r102.Waited != 1 || r102.Served != 0 || r102.Updated != 0 {
		t.Fatalf("unexpected 102 summary %+v", r102)
	}
}

func TestWriteDetail(t *testing.T) {
	var sb strings.Builder
	if err := WriteDetail(&sb, sampleRecords()[:1]); err != nil {
		t.Fatalf("WriteDetail: %v", err)
	}
	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	want := []string{"2026-03-01T09:00:00Z", "101", "on", "high", "cool", "22", "27.5", "on", "0.00"}
	for i, v := range want {
		if rows[1][i] != v {
			t.Fatalf("column %s = %q, want %q", rows[0][i], rows[1][i], v)
		}
	}
}

func TestGenerateAndPublish(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.UsageRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	records := sampleRecords()
	if err := db.Create(&records).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx := context.Background()
	filter := usage.Filter{RoomID: "101"}
	data, err := Generate(ctx, db, filter, KindSummary)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(string(data), "101,3,1,0,0,1,1,") || !strings.HasSuffix(strings.TrimSpace(string(data)), "18.00") {
		t.Fatalf("unexpected summary csv:\n%s", data)
	}

	if _, err := Generate(ctx, db, filter, Kind("pivot")); err == nil {
		t.Fatal("expected unknown kind to fail")
	}

	store := storage.NewFSStore(t.TempDir())
	key := Key(KindSummary, filter, base)
	if key != "usage/summary-101-20260301T090000Z.csv" {
		t.Fatalf("Key = %q", key)
	}
	if _, err := Publish(ctx, store, key, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	stored, err := store.Get(ctx, key)
	if err != nil || string(stored) != string(data) {
		t.Fatalf("stored report mismatch: %v", err)
	}
}
