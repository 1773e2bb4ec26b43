/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"fmt"

	"github.com/friendsincode/roomair/internal/telemetry"
)

const (
	reasonPreempted = "preempted"
	reasonTimeSlice = "time_slice"
)

// Request admits, queues or rejects a room asking for service at tier. Any
// earlier entry for the room is dropped first so the request is judged afresh.
func (d *Dispatcher) Request(roomID string, tier Tier, params Params) (Outcome, error) {
	roomID, err := NormalizeRoomID(roomID)
	if err != nil {
		return OutcomeRejected, err
	}
	if !tier.Valid() {
		return OutcomeRejected, fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.request(roomID, tier, params), nil
}

// Release stops service for a room and reports the pool it left. Unknown rooms
// return PoolOff. A freed serving slot is handed to the waiting pool at once.
func (d *Dispatcher) Release(roomID string) (Pool, error) {
	roomID, err := NormalizeRoomID(roomID)
	if err != nil {
		return PoolOff, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.release(roomID), nil
}

func (d *Dispatcher) request(roomID string, tier Tier, params Params) Outcome {
	defer d.observe()

	d.reg.remove(roomID)
	room := &Room{ID: roomID, Tier: tier, Params: params, Pool: PoolOff}

	if !d.reg.Full() {
		d.admit(room)
		telemetry.DispatchRequestsTotal.WithLabelValues(tier.String(), OutcomeAccepted.String()).Inc()
		return OutcomeAccepted
	}

	// Lowest tier loses; among equals the room that has served longest.
	var victim *Room
	sameTier := false
	for _, r := range d.reg.Serving() {
		if r.Tier == tier {
			sameTier = true
		}
		if r.Tier >= tier {
			continue
		}
		if victim == nil || r.Tier < victim.Tier ||
			(r.Tier == victim.Tier && r.ServingElapsed > victim.ServingElapsed) {
			victim = r
		}
	}

	if victim == nil {
		if sameTier || d.cfg.QueueWhenOutranked {
			d.reg.addWaiting(room, d.cfg.CirculationInterval)
			d.logger.Debug().Str("room", roomID).Str("tier", tier.String()).Msg("room queued")
			telemetry.DispatchRequestsTotal.WithLabelValues(tier.String(), OutcomeWaiting.String()).Inc()
			return OutcomeWaiting
		}
		d.logger.Debug().Str("room", roomID).Str("tier", tier.String()).Msg("room rejected, outranked by every serving room")
		telemetry.DispatchRequestsTotal.WithLabelValues(tier.String(), OutcomeRejected.String()).Inc()
		return OutcomeRejected
	}

	d.evict(victim, reasonPreempted)
	d.admit(room)
	telemetry.DispatchRequestsTotal.WithLabelValues(tier.String(), OutcomeAccepted.String()).Inc()
	return OutcomeAccepted
}

func (d *Dispatcher) release(roomID string) Pool {
	defer d.observe()

	_, prev := d.reg.remove(roomID)
	d.notifier.Notify(roomID, Event{State: StateOff, Bill: d.ledger.Total(roomID)})
	if prev == PoolServing {
		d.promoteFree()
	}
	if prev != PoolOff {
		d.logger.Debug().Str("room", roomID).Str("from", string(prev)).Msg("room released")
	}
	return prev
}

// admit places an untracked room into serving and tells it so.
func (d *Dispatcher) admit(room *Room) {
	d.reg.addServing(room)
	d.notifier.Notify(room.ID, Event{State: StateOn, Bill: d.ledger.Total(room.ID)})
}

// evict moves a serving room to the back of the waiting pool with a fresh countdown.
func (d *Dispatcher) evict(victim *Room, reason string) {
	d.reg.remove(victim.ID)
	d.reg.addWaiting(victim, d.cfg.CirculationInterval)
	d.notifier.Notify(victim.ID, Event{State: StateOff, Bill: d.ledger.Total(victim.ID)})
	telemetry.DispatchEvictionsTotal.WithLabelValues(reason).Inc()
	d.logger.Info().
		Str("room", victim.ID).
		Str("tier", victim.Tier.String()).
		Dur("served", victim.ServingElapsed).
		Str("reason", reason).
		Msg("room evicted to waiting")
}
