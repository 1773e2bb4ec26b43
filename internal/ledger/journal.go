/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/roomair/internal/telemetry"
)

// Journal persists charges on a single worker. Charges that do not fit the
// queue spill into an unbounded pending list. A charge that keeps failing goes
// to the back of that list so other rooms keep persisting; only charges the
// store rejects outright are dead-lettered.
type Journal struct {
	store  Store
	queue  chan Charge
	logger zerolog.Logger

	mu      sync.Mutex
	pending []Charge

	outstanding  atomic.Int64
	deadLettered atomic.Int64
	writeTimeout time.Duration
	// attempts bounds the tries per charge before it yields to the next one.
	attempts   uint64
	newBackOff func() backoff.BackOff
}

// NewJournal creates a journal in front of store with the given queue size.
func NewJournal(store Store, size int, logger zerolog.Logger) *Journal {
	if size < 1 {
		size = 1
	}
	return &Journal{
		store:        store,
		queue:        make(chan Charge, size),
		logger:       logger.With().Str("component", "ledger_journal").Logger(),
		writeTimeout: 5 * time.Second,
		attempts:     8,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Enqueue accepts a charge without blocking.
func (j *Journal) Enqueue(c Charge) {
	telemetry.LedgerJournalPending.Set(float64(j.outstanding.Add(1)))
	select {
	case j.queue <- c:
	default:
		j.mu.Lock()
		j.pending = append(j.pending, c)
		j.mu.Unlock()
	}
}

// Outstanding reports charges accepted but not yet persisted.
func (j *Journal) Outstanding() int64 {
	return j.outstanding.Load()
}

// DeadLettered reports charges the store rejected permanently.
func (j *Journal) DeadLettered() int64 {
	return j.deadLettered.Load()
}

// Run persists charges until ctx is cancelled, retrying each with exponential
// backoff. A charge interrupted by cancellation is kept for Flush.
func (j *Journal) Run(ctx context.Context) error {
	for {
		c, ok := j.next(ctx)
		if !ok {
			return ctx.Err()
		}
		b := backoff.WithMaxRetries(j.newBackOff(), j.attempts-1)
		err := j.persist(ctx, c, b)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			j.requeue(c)
			return ctx.Err()
		case errors.Is(err, ErrRejected):
			j.deadLetter(c, err)
		default:
			j.postpone(c)
		}
	}
}

// Flush makes one attempt at every remaining charge. Call it after Run returns.
func (j *Journal) Flush(ctx context.Context) error {
	var errs []error
	for {
		c, ok := j.take()
		if !ok {
			break
		}
		if err := j.persist(ctx, c, &backoff.StopBackOff{}); err != nil {
			if errors.Is(err, ErrRejected) {
				j.deadLetter(c, err)
			}
			errs = append(errs, err)
		}
	}
	if n := j.outstanding.Load(); n > 0 {
		j.logger.Error().Int64("charges", n).Msg("ledger charges left unpersisted at shutdown")
	}
	return errors.Join(errs...)
}

func (j *Journal) next(ctx context.Context) (Charge, bool) {
	if c, ok := j.take(); ok {
		return c, true
	}
	select {
	case c := <-j.queue:
		return c, true
	case <-ctx.Done():
		return Charge{}, false
	}
}

// take prefers the queue, then the spill list.
func (j *Journal) take() (Charge, bool) {
	select {
	case c := <-j.queue:
		return c, true
	default:
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return Charge{}, false
	}
	c := j.pending[0]
	j.pending = j.pending[1:]
	return c, true
}

func (j *Journal) requeue(c Charge) {
	j.mu.Lock()
	j.pending = append([]Charge{c}, j.pending...)
	j.mu.Unlock()
}

// postpone moves a charge that exhausted its attempts behind everything else.
func (j *Journal) postpone(c Charge) {
	j.logger.Warn().
		Str("room", c.RoomID).
		Int64("seq", c.Seq).
		Uint64("attempts", j.attempts).
		Msg("ledger charge postponed behind other pending charges")
	j.mu.Lock()
	j.pending = append(j.pending, c)
	j.mu.Unlock()
}

// deadLetter gives up on a charge the store will never accept. The amount stays
// in the in-memory bill; the log line carries what is needed to reconcile it.
func (j *Journal) deadLetter(c Charge, err error) {
	j.deadLettered.Add(1)
	telemetry.LedgerChargesDeadLetteredTotal.Inc()
	telemetry.LedgerJournalPending.Set(float64(j.outstanding.Add(-1)))
	j.logger.Error().Err(err).
		Str("room", c.RoomID).
		Int64("seq", c.Seq).
		Str("amount", c.Amount.String()).
		Time("charged_at", c.At).
		Msg("ledger charge dead-lettered")
}

func (j *Journal) persist(ctx context.Context, c Charge, b backoff.BackOff) error {
	if err := c.validate(); err != nil {
		return err
	}
	attempt := 0
	op := func() error {
		attempt++
		writeCtx, cancel := context.WithTimeout(ctx, j.writeTimeout)
		defer cancel()
		err := j.store.Append(writeCtx, c)
		if err != nil {
			telemetry.LedgerJournalErrorsTotal.Inc()
			j.logger.Warn().Err(err).
				Str("room", c.RoomID).
				Int64("seq", c.Seq).
				Int("attempt", attempt).
				Msg("ledger write failed")
			if errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	telemetry.LedgerChargesPersistedTotal.Inc()
	telemetry.LedgerJournalPending.Set(float64(j.outstanding.Add(-1)))
	return nil
}
