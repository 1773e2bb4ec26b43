/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Book is the authoritative in-memory ledger. Add never blocks on storage.
type Book struct {
	mu     sync.RWMutex
	totals map[string]decimal.Decimal
	seqs   map[string]int64

	journal *Journal
	now     func() time.Time
}

// NewBook creates an empty book. A nil journal keeps charges in memory only.
func NewBook(journal *Journal) *Book {
	return &Book{
		totals:  make(map[string]decimal.Decimal),
		seqs:    make(map[string]int64),
		journal: journal,
		now:     time.Now,
	}
}

// Total returns the room's bill, zero for unknown rooms.
func (b *Book) Total(roomID string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totals[roomID]
}

// Add charges delta to the room and hands the stamped charge to the journal.
func (b *Book) Add(roomID string, delta decimal.Decimal) {
	b.mu.Lock()
	b.seqs[roomID]++
	c := Charge{RoomID: roomID, Seq: b.seqs[roomID], Amount: delta, At: b.now()}
	b.totals[roomID] = b.totals[roomID].Add(delta)
	b.mu.Unlock()

	if b.journal != nil {
		b.journal.Enqueue(c)
	}
}

// Totals copies every room's bill.
func (b *Book) Totals() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.totals))
	for room, total := range b.totals {
		out[room] = total
	}
	return out
}

// Hydrate loads persisted totals so bills and sequence numbers survive a restart.
// It must run before the first Add.
func (b *Book) Hydrate(ctx context.Context, store Store) (int, error) {
	snaps, err := store.Totals(ctx)
	if err != nil {
		return 0, fmt.Errorf("load ledger totals: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range snaps {
		b.totals[s.RoomID] = s.Total
		b.seqs[s.RoomID] = s.LastSeq
	}
	return len(snaps), nil
}
