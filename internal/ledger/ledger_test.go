/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/roomair/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&models.LedgerCharge{}, &models.LedgerTotal{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

// flakyStore fails the first failures appends, then records charges in memory.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	charges  map[string]map[int64]decimal.Decimal
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{failures: failures, charges: make(map[string]map[int64]decimal.Decimal)}
}

func (s *flakyStore) Append(_ context.Context, c Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	if s.charges[c.RoomID] == nil {
		s.charges[c.RoomID] = make(map[int64]decimal.Decimal)
	}
	s.charges[c.RoomID][c.Seq] = c.Amount
	return nil
}

func (s *flakyStore) Totals(context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for room, charges := range s.charges {
		snap := Snapshot{RoomID: room}
		for seq, amount := range charges {
			snap.Total = snap.Total.Add(amount)
			if seq > snap.LastSeq {
				snap.LastSeq = seq
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *flakyStore) count(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges[roomID])
}

func fastJournal(store Store, size int) *Journal {
	j := NewJournal(store, size, zerolog.Nop())
	j.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return j
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBookTotals(t *testing.T) {
	book := NewBook(nil)
	if got := book.Total("101"); !got.IsZero() {
		t.Fatalf("unknown room total = %s, want 0", got)
	}

	book.Add("101", decimal.NewFromInt(6))
	book.Add("101", decimal.RequireFromString("4.5"))
	book.Add("102", decimal.NewFromInt(2))

	if got := book.Total("101"); !got.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("101 total = %s, want 10.5", got)
	}
	if got := len(book.Totals()); got != 2 {
		t.Fatalf("Totals has %d rooms, want 2", got)
	}
}

func TestBookStampsSequencesAfterHydrate(t *testing.T) {
	store := newFlakyStore(0)
	_ = store.Append(context.Background(), Charge{RoomID: "101", Seq: 1, Amount: decimal.NewFromInt(3)})
	_ = store.Append(context.Background(), Charge{RoomID: "101", Seq: 2, Amount: decimal.NewFromInt(3)})

	journal := fastJournal(store, 8)
	book := NewBook(journal)
	n, err := book.Hydrate(context.Background(), store)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if n != 1 {
		t.Fatalf("hydrated %d rooms, want 1", n)
	}
	if got := book.Total("101"); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("hydrated total = %s, want 6", got)
	}

	book.Add("101", decimal.NewFromInt(3))
	c, ok := journal.take()
	if !ok {
		t.Fatal("expected a journaled charge")
	}
	if c.Seq != 3 {
		t.Fatalf("seq = %d, want 3", c.Seq)
	}
}

func TestJournalRetriesUntilStored(t *testing.T) {
	store := newFlakyStore(3)
	journal := fastJournal(store, 8)
	book := NewBook(journal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- journal.Run(ctx) }()

	book.Add("101", decimal.NewFromInt(6))
	book.Add("101", decimal.NewFromInt(6))

	waitFor(t, func() bool { return store.count("101") == 2 })
	waitFor(t, func() bool { return journal.Outstanding() == 0 })

	// Failed writes never roll back the in-memory bill.
	if got := book.Total("101"); !got.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("total = %s, want 12", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestJournalSpillsWhenQueueFull(t *testing.T) {
	store := newFlakyStore(0)
	journal := fastJournal(store, 1)
	book := NewBook(journal)

	for i := 0; i < 20; i++ {
		book.Add("101", decimal.NewFromInt(2))
	}
	if got := journal.Outstanding(); got != 20 {
		t.Fatalf("outstanding = %d, want 20", got)
	}

	if err := journal.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := store.count("101"); got != 20 {
		t.Fatalf("stored %d charges, want 20", got)
	}
	if got := journal.Outstanding(); got != 0 {
		t.Fatalf("outstanding after flush = %d", got)
	}
}

func TestJournalFlushReportsFailures(t *testing.T) {
	store := newFlakyStore(100)
	journal := fastJournal(store, 4)
	journal.Enqueue(Charge{RoomID: "101", Seq: 1, Amount: decimal.NewFromInt(2)})

	if err := journal.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if got := journal.Outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}
}

// roomFailStore always fails appends for one room with err and stores the rest.
type roomFailStore struct {
	*flakyStore
	room string
	err  error

	mu    sync.Mutex
	tries int
}

func (s *roomFailStore) Append(ctx context.Context, c Charge) error {
	if c.RoomID == s.room {
		s.mu.Lock()
		s.tries++
		s.mu.Unlock()
		return s.err
	}
	return s.flakyStore.Append(ctx, c)
}

func (s *roomFailStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tries
}

func runJournal(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestJournalFailingRoomDoesNotBlockOthers(t *testing.T) {
	store := &roomFailStore{flakyStore: newFlakyStore(0), room: "900", err: errors.New("connection reset")}
	journal := fastJournal(store, 8)
	book := NewBook(journal)

	book.Add("900", decimal.NewFromInt(6))
	book.Add("101", decimal.NewFromInt(2))
	book.Add("102", decimal.NewFromInt(3))
	runJournal(t, journal)

	waitFor(t, func() bool { return store.count("101") == 1 && store.count("102") == 1 })
	// The failing charge keeps being retried and stays outstanding.
	waitFor(t, func() bool { return store.attempts() > int(journal.attempts) })
	if got := journal.Outstanding(); got != 1 {
		t.Fatalf("outstanding = %d, want 1", got)
	}
	if got := journal.DeadLettered(); got != 0 {
		t.Fatalf("dead-lettered = %d, want 0 for a transient failure", got)
	}

	book.Add("101", decimal.NewFromInt(2))
	waitFor(t, func() bool { return store.count("101") == 2 })
}

func TestJournalDeadLettersRejectedCharges(t *testing.T) {
	rejected := fmt.Errorf("%w: value too long for type character varying(64)", ErrRejected)
	store := &roomFailStore{flakyStore: newFlakyStore(0), room: "900", err: rejected}
	journal := fastJournal(store, 8)
	book := NewBook(journal)

	book.Add("900", decimal.NewFromInt(6))
	book.Add(strings.Repeat("x", 200), decimal.NewFromInt(6))
	book.Add("101", decimal.NewFromInt(2))
	runJournal(t, journal)

	waitFor(t, func() bool { return store.count("101") == 1 })
	waitFor(t, func() bool { return journal.Outstanding() == 0 })
	if got := journal.DeadLettered(); got != 2 {
		t.Fatalf("dead-lettered = %d, want 2", got)
	}
	if got := store.attempts(); got != 1 {
		t.Fatalf("rejected charge tried %d times, want 1", got)
	}
	if got := book.Total("900"); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("in-memory bill = %s, want 6", got)
	}
}

func TestClassifyDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		rejected bool
	}{
		{name: "postgres string too long", err: &pgconn.PgError{Code: "22001"}, rejected: true},
		{name: "postgres numeric overflow", err: &pgconn.PgError{Code: "22003"}, rejected: true},
		{name: "postgres not null", err: &pgconn.PgError{Code: "23502"}, rejected: true},
		{name: "postgres connection failure", err: &pgconn.PgError{Code: "08006"}},
		{name: "postgres serialization failure", err: &pgconn.PgError{Code: "40001"}},
		{name: "mysql data too long", err: &mysql.MySQLError{Number: 1406}, rejected: true},
		{name: "mysql lock wait timeout", err: &mysql.MySQLError{Number: 1205}},
		{name: "wrapped postgres error", err: fmt.Errorf("insert charge: %w", &pgconn.PgError{Code: "22001"}), rejected: true},
		{name: "plain error", err: errors.New("dial tcp: connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyDBError(tt.err)
			if errors.Is(got, ErrRejected) != tt.rejected {
				t.Fatalf("classifyDBError(%v) = %v, rejected want %v", tt.err, got, tt.rejected)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classified error lost the cause: %v", got)
			}
		})
	}
	if classifyDBError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestGormStoreAppendIsIdempotent(t *testing.T) {
	store := NewGormStore(newTestDB(t))
	ctx := context.Background()

	charges := []Charge{
		{RoomID: "101", Seq: 1, Amount: decimal.NewFromInt(6), At: time.Now()},
		{RoomID: "101", Seq: 2, Amount: decimal.NewFromInt(6), At: time.Now()},
		{RoomID: "101", Seq: 2, Amount: decimal.NewFromInt(6), At: time.Now()}, // replay
		{RoomID: "102", Seq: 1, Amount: decimal.RequireFromString("1.5"), At: time.Now()},
	}
	for _, c := range charges {
		if err := store.Append(ctx, c); err != nil {
			t.Fatalf("append %s/%d: %v", c.RoomID, c.Seq, err)
		}
	}

	snaps, err := store.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].RoomID != "101" || !snaps[0].Total.Equal(decimal.NewFromInt(12)) || snaps[0].LastSeq != 2 {
		t.Fatalf("101 snapshot = %+v, want total 12 seq 2", snaps[0])
	}
	if !snaps[1].Total.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("102 total = %s, want 1.5", snaps[1].Total)
	}
}

func TestGormStoreRestartRoundTrip(t *testing.T) {
	database := newTestDB(t)
	store := NewGormStore(database)

	first := NewBook(fastJournal(store, 4))
	first.Add("101", decimal.NewFromInt(3))
	first.Add("101", decimal.NewFromInt(3))
	if err := first.journal.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second := NewBook(nil)
	if _, err := second.Hydrate(context.Background(), store); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if got := second.Total("101"); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("restored total = %s, want 6", got)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ROOMAIR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROOMAIR_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	prefix := "roomair-test:" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	store := NewRedisStore(client, prefix)
	for _, c := range []Charge{
		{RoomID: "101", Seq: 1, Amount: decimal.RequireFromString("0.1")},
		{RoomID: "101", Seq: 2, Amount: decimal.RequireFromString("0.2")},
		{RoomID: "101", Seq: 2, Amount: decimal.RequireFromString("0.2")},
	} {
		if err := store.Append(ctx, c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	snaps, err := store.Totals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].Total.Equal(decimal.RequireFromString("0.3")) || snaps[0].LastSeq != 2 {
		t.Fatalf("snapshots = %+v, want 101 total 0.3 seq 2", snaps)
	}
}
