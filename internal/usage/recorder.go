/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package usage keeps the history of handled panel requests.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/models"
	"github.com/friendsincode/roomair/internal/telemetry"
)

const maxBatch = 100

// Recorder implements dispatch.UsageRecorder. Entries are queued and written
// in batches by Run. A full queue drops the entry.
type Recorder struct {
	db     *gorm.DB
	queue  chan models.UsageRecord
	logger zerolog.Logger
}

// NewRecorder creates a recorder writing to db with a queue of size entries.
func NewRecorder(db *gorm.DB, size int, logger zerolog.Logger) *Recorder {
	if size < 1 {
		size = 1024
	}
	return &Recorder{
		db:     db,
		queue:  make(chan models.UsageRecord, size),
		logger: logger.With().Str("component", "usage").Logger(),
	}
}

// Record queues one entry without blocking.
func (r *Recorder) Record(entry dispatch.UsageEntry) {
	rec := models.UsageRecord{
		ID:        uuid.NewString(),
		RoomID:    entry.RoomID,
		Operation: entry.Operation,
		Mode:      entry.Params.Mode,
		SetPoint:  entry.Params.SetPoint,
		Measured:  entry.Params.Measured,
		Result:    string(entry.Result),
		Bill:      entry.Bill,
		At:        entry.At.UTC(),
	}
	if entry.Tier.Valid() {
		rec.Tier = entry.Tier.String()
	}
	select {
	case r.queue <- rec:
	default:
		telemetry.UsageDroppedTotal.WithLabelValues("queue_full").Inc()
		r.logger.Debug().Str("room", entry.RoomID).Msg("usage queue full, record dropped")
	}
}

// Run writes queued records until ctx is cancelled, then flushes the rest.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.write(context.Background(), r.collect(nil))
			return ctx.Err()
		case rec := <-r.queue:
			r.write(ctx, r.collect([]models.UsageRecord{rec}))
		}
	}
}

// collect appends whatever is already queued, up to one batch.
func (r *Recorder) collect(batch []models.UsageRecord) []models.UsageRecord {
	for len(batch) < maxBatch {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) write(ctx context.Context, batch []models.UsageRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.db.WithContext(ctx).CreateInBatches(batch, maxBatch).Error; err != nil {
		telemetry.UsageDroppedTotal.WithLabelValues("write_failed").Add(float64(len(batch)))
		r.logger.Error().Err(err).Int("records", len(batch)).Msg("failed to write usage records")
		return
	}
	telemetry.UsageRecordsWrittenTotal.Add(float64(len(batch)))
}

// Filter narrows a usage query. Zero values match everything.
type Filter struct {
	RoomID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Query returns matching records ordered by time.
func Query(ctx context.Context, db *gorm.DB, f Filter) ([]models.UsageRecord, error) {
	q := db.WithContext(ctx).Model(&models.UsageRecord{})
	if f.RoomID != "" {
		q = q.Where("room_id = ?", f.RoomID)
	}
	if !f.From.IsZero() {
		q = q.Where("at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("at < ?", f.To.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var records []models.UsageRecord
	if err := q.Order("at ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return records, nil
}

var _ dispatch.UsageRecorder = (*Recorder)(nil)
