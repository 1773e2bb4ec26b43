/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package report renders the usage history as CSV for managers.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/friendsincode/roomair/internal/models"
	"github.com/friendsincode/roomair/internal/storage"
	"github.com/friendsincode/roomair/internal/usage"
)

// Kind selects the report layout.
type Kind string

const (
	// KindDetail lists every handled request.
	KindDetail Kind = "detail"
	// KindSummary aggregates requests per room.
	KindSummary Kind = "summary"
)

// ContentType of every generated report.
const ContentType = "text/csv"

var detailHeader = []string{"at", "room_id", "operation", "tier", "mode", "set_point", "measured_value", "result", "bill"}

var summaryHeader = []string{"room_id", "requests", "served", "waited", "rejected", "released", "updated", "first_at", "last_at", "bill"}

// RoomSummary aggregates one room's requests in the reporting window.
type RoomSummary struct {
	RoomID   string
	Requests int
	Served   int
	Waited   int
	Rejected int
	Released int
	// Updated counts parameter-only changes, which never enter admission.
	Updated int
	FirstAt time.Time
	LastAt  time.Time
	// Bill is the bill reported with the room's latest request.
	Bill decimal.Decimal
}

// Summarize groups records by room. Records must be ordered by time.
func Summarize(records []models.UsageRecord) []RoomSummary {
	byRoom := make(map[string]*RoomSummary)
	for _, rec := range records {
		s, ok := byRoom[rec.RoomID]
		if !ok {
			s = &RoomSummary{RoomID: rec.RoomID, FirstAt: rec.At}
			byRoom[rec.RoomID] = s
		}
		s.Requests++
		s.LastAt = rec.At
		s.Bill = rec.Bill
		switch {
		case rec.Operation == "off":
			s.Released++
		case rec.Operation == "update":
			s.Updated++
		case rec.Result == "on":
			s.Served++
		case rec.Result == "wait":
			s.Waited++
		case rec.Result == "off":
			s.Rejected++
		}
	}

	out := make([]RoomSummary, 0, len(byRoom))
	for _, s := range byRoom {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// WriteDetail writes one CSV row per record.
func WriteDetail(w io.Writer, records []models.UsageRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(detailHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.At.UTC().Format(time.RFC3339),
			rec.RoomID,
			rec.Operation,
			rec.Tier,
			rec.Mode,
			formatFloat(rec.SetPoint),
			formatFloat(rec.Measured),
			rec.Result,
			rec.Bill.StringFixed(2),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary writes one CSV row per room.
func WriteSummary(w io.Writer, summaries []RoomSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return err
	}
	for _, s := range summaries {
		row := []string{
			s.RoomID,
			strconv.Itoa(s.Requests),
			strconv.Itoa(s.Served),
			strconv.Itoa(s.Waited),
			strconv.Itoa(s.Rejected),
			strconv.Itoa(s.Released),
			strconv.Itoa(s.Updated),
			s.FirstAt.UTC().Format(time.RFC3339),
			s.LastAt.UTC().Format(time.RFC3339),
			s.Bill.StringFixed(2),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Generate queries the usage history and renders it.
func Generate(ctx context.Context, db *gorm.DB, filter usage.Filter, kind Kind) ([]byte, error) {
	records, err := usage.Query(ctx, db, filter)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch kind {
	case KindDetail, "":
		err = WriteDetail(&buf, records)
	case KindSummary:
		err = WriteSummary(&buf, Summarize(records))
	default:
		return nil, fmt.Errorf("unknown report kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s report: %w", kind, err)
	}
	return buf.Bytes(), nil
}

// Key names a report object, e.g. usage/summary-101-20260301-20260401.csv.
func Key(kind Kind, filter usage.Filter, now time.Time) string {
	if kind == "" {
		kind = KindDetail
	}
	name := string(kind)
	if filter.RoomID != "" {
		name += "-" + filter.RoomID
	}
	if !filter.From.IsZero() {
		name += "-" + filter.From.UTC().Format("20060102")
	}
	if !filter.To.IsZero() {
		name += "-" + filter.To.UTC().Format("20060102")
	}
	return "usage/" + name + "-" + now.UTC().Format("20060102T150405Z") + ".csv"
}

// Publish stores a rendered report and returns its key.
func Publish(ctx context.Context, store storage.ObjectStore, key string, data []byte) (string, error) {
	if err := store.Put(ctx, key, data, ContentType); err != nil {
		return "", fmt.Errorf("publish report: %w", err)
	}
	return key, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
