/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/roomair/internal/models"
)

// GormStore keeps charges and running totals in the relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append inserts the charge and folds it into the room total in one
// transaction. A charge already stored is ignored.
func (s *GormStore) Append(ctx context.Context, c Charge) error {
	return classifyDBError(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.LedgerCharge{
			ID:        uuid.NewString(),
			RoomID:    c.RoomID,
			Seq:       c.Seq,
			Amount:    c.Amount,
			ChargedAt: c.At,
		})
		if res.Error != nil {
			return fmt.Errorf("insert charge %s/%d: %w", c.RoomID, c.Seq, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var total models.LedgerTotal
		err := tx.First(&total, "room_id = ?", c.RoomID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.LedgerTotal{RoomID: c.RoomID, Total: c.Amount, LastSeq: c.Seq}).Error
		}
		if err != nil {
			return fmt.Errorf("load total %s: %w", c.RoomID, err)
		}
		total.Total = total.Total.Add(c.Amount)
		if c.Seq > total.LastSeq {
			total.LastSeq = c.Seq
		}
		return tx.Save(&total).Error
	}))
}

// MySQL error numbers for values the schema cannot hold.
var mysqlDataErrors = map[uint16]struct{}{
	1048: {}, // column cannot be null
	1264: {}, // out of range value
	1265: {}, // data truncated
	1366: {}, // incorrect value
	1406: {}, // data too long
}

// classifyDBError wraps data and integrity violations with ErrRejected.
// Connection and timeout errors pass through unchanged and are retried.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 22 is data exception, class 23 integrity constraint violation.
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if _, ok := mysqlDataErrors[myErr.Number]; ok {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	return err
}

// Totals lists every room with a persisted bill.
func (s *GormStore) Totals(ctx context.Context) ([]Snapshot, error) {
	var rows []models.LedgerTotal
	if err := s.db.WithContext(ctx).Order("room_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, Snapshot{RoomID: r.RoomID, Total: r.Total, LastSeq: r.LastSeq})
	}
	return out, nil
}
