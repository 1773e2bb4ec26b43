/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package dispatch decides which rooms occupy the limited serving slots,
// time-slices contention among equal tiers and meters serving time into bills.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/friendsincode/roomair/internal/telemetry"
)

// Config holds the scheduling constants. They are fixed for the dispatcher's lifetime.
type Config struct {
	// Capacity is the number of rooms served at once.
	Capacity int
	// CirculationInterval bounds how long a waiting room can be denied service.
	CirculationInterval time.Duration
	// MeteringUnit is the serving time charged as one unit at the tier's rate.
	MeteringUnit time.Duration
	Rates        RateTable

	PromoteInterval time.Duration
	BillInterval    time.Duration

	// QueueWhenOutranked sends requests that no serving room can yield to into
	// the waiting pool instead of rejecting them.
	QueueWhenOutranked bool
}

// DefaultConfig mirrors the reference deployment: three slots, a 20s circulation
// interval and a 10s metering unit (one simulated minute at 6x acceleration).
func DefaultConfig() Config {
	return Config{
		Capacity:            3,
		CirculationInterval: 20 * time.Second,
		MeteringUnit:        10 * time.Second,
		Rates:               DefaultRates(),
		PromoteInterval:     100 * time.Millisecond,
		BillInterval:        200 * time.Millisecond,
	}
}

// Validate checks the constants before the dispatcher starts.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.CirculationInterval <= 0 {
		return fmt.Errorf("circulation interval must be positive, got %s", c.CirculationInterval)
	}
	if c.MeteringUnit <= 0 {
		return fmt.Errorf("metering unit must be positive, got %s", c.MeteringUnit)
	}
	if c.PromoteInterval <= 0 || c.BillInterval <= 0 {
		return fmt.Errorf("tick periods must be positive (promote %s, bill %s)", c.PromoteInterval, c.BillInterval)
	}
	return c.Rates.validate()
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier sets the push channel used for on/off events.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithUsageRecorder sets where handled submits are logged.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(d *Dispatcher) {
		if u != nil {
			d.usage = u
		}
	}
}

// Dispatcher owns the room registry. Requests and both ticks run under one lock.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	reg *Registry

	ledger   Ledger
	notifier Notifier
	usage    UsageRecorder
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a dispatcher. The ledger is required; notifier and usage
// recorder default to no-ops.
func New(cfg Config, ledger Ledger, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	if ledger == nil {
		return nil, fmt.Errorf("dispatch: ledger is required")
	}
	d := &Dispatcher{
		cfg:      cfg,
		reg:      NewRegistry(cfg.Capacity),
		ledger:   ledger,
		notifier: nopNotifier{},
		usage:    nopRecorder{},
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the constants the dispatcher runs with.
func (d *Dispatcher) Config() Config { return d.cfg }

// Run drives the promotion and billing ticks until ctx is cancelled. Each tick
// receives the real time elapsed since the previous one of its kind.
func (d *Dispatcher) Run(ctx context.Context) error {
	promote := time.NewTicker(d.cfg.PromoteInterval)
	defer promote.Stop()
	bill := time.NewTicker(d.cfg.BillInterval)
	defer bill.Stop()

	lastPromote := time.Now()
	lastBill := lastPromote

	d.logger.Info().
		Int("capacity", d.cfg.Capacity).
		Dur("circulation_interval", d.cfg.CirculationInterval).
		Dur("metering_unit", d.cfg.MeteringUnit).
		Msg("dispatcher loop started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher loop stopped")
			return ctx.Err()
		case now := <-promote.C:
			dt := now.Sub(lastPromote)
			lastPromote = now
			d.PromoteTick(dt)
		case now := <-bill.C:
			dt := now.Sub(lastBill)
			lastBill = now
			d.BillTick(dt)
		}
	}
}

// SubmitRequest is one inbound request from a room's panel.
type SubmitRequest struct {
	RoomID string
	State  EventState
	Tier   Tier
	Params Params
	// Tune updates the parameters of an already tracked room at the same tier
	// without re-running admission.
	Tune bool
}

// Reply echoes the room's pool after a submit together with its bill.
type Reply struct {
	State EventState      `json:"state"`
	Bill  decimal.Decimal `json:"bill"`
}

// Submit routes state=on to admission and state=off to release.
func (d *Dispatcher) Submit(req SubmitRequest) (Reply, error) {
	roomID, err := NormalizeRoomID(req.RoomID)
	if err != nil {
		return Reply{}, err
	}

	switch req.State {
	case StateOff:
		d.mu.Lock()
		d.release(roomID)
		bill := d.ledger.Total(roomID)
		d.mu.Unlock()

		d.record(roomID, "off", req, StateOff, bill)
		return Reply{State: StateOff, Bill: bill}, nil

	case StateOn:
		if !req.Tier.Valid() {
			return Reply{}, fmt.Errorf("%w: %d", ErrInvalidTier, int(req.Tier))
		}
		d.mu.Lock()
		var (
			state EventState
			tuned bool
		)
		op := "on"
		if req.Tune {
			state, tuned = d.tune(roomID, req.Tier, req.Params)
		}
		if tuned {
			op = "update"
		} else {
			state = outcomeState(d.request(roomID, req.Tier, req.Params))
		}
		bill := d.ledger.Total(roomID)
		d.mu.Unlock()

		d.record(roomID, op, req, state, bill)
		return Reply{State: state, Bill: bill}, nil

	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrInvalidState, req.State)
	}
}

// Tune updates the parameters of a tracked room in place. It reports false when
// the room is untracked or asks for a different tier.
func (d *Dispatcher) Tune(roomID string, tier Tier, params Params) (Pool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.tune(roomID, tier, params)
	if !ok {
		return PoolOff, false
	}
	if state == StateOn {
		return PoolServing, true
	}
	return PoolWaiting, true
}

func (d *Dispatcher) tune(roomID string, tier Tier, params Params) (EventState, bool) {
	room, ok := d.reg.Get(roomID)
	if !ok || room.Tier != tier {
		return "", false
	}
	room.Params = params
	if room.Pool == PoolServing {
		return StateOn, true
	}
	return StateWait, true
}

// Status returns the room's pool and parameters, or an off sentinel for untracked rooms.
func (d *Dispatcher) Status(roomID string) RoomStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.reg.Get(roomID)
	if !ok {
		return RoomStatus{RoomID: roomID, Pool: PoolOff}
	}
	return RoomStatus{
		RoomID:   room.ID,
		Pool:     room.Pool,
		Tier:     room.Tier.String(),
		Mode:     room.Params.Mode,
		Measured: room.Params.Measured,
		SetPoint: room.Params.SetPoint,
	}
}

// Snapshot lists serving and waiting room ids.
func (d *Dispatcher) Snapshot() Schedule {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.snapshot()
}

func (d *Dispatcher) record(roomID, op string, req SubmitRequest, result EventState, bill decimal.Decimal) {
	d.usage.Record(UsageEntry{
		RoomID:    roomID,
		Operation: op,
		Tier:      req.Tier,
		Params:    req.Params,
		Result:    result,
		Bill:      bill,
		At:        d.now(),
	})
}

// observe publishes pool sizes and verifies the registry after a mutation.
func (d *Dispatcher) observe() {
	d.reg.checkInvariants()
	telemetry.DispatchServingRooms.Set(float64(len(d.reg.Serving())))
	telemetry.DispatchWaitingRooms.Set(float64(len(d.reg.Waiting())))
}

func outcomeState(o Outcome) EventState {
	switch o {
	case OutcomeAccepted:
		return StateOn
	case OutcomeWaiting:
		return StateWait
	default:
		return StateOff
	}
}
