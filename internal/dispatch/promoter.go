/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"sort"
	"time"

	"github.com/friendsincode/roomair/internal/telemetry"
)

// PromoteTick fills free slots from the waiting pool, then advances every
// waiting countdown by dt and swaps expired rooms in for the longest-serving ones.
func (d *Dispatcher) PromoteTick(dt time.Duration) {
	start := time.Now()
	d.mu.Lock()
	d.promoteTick(dt)
	d.mu.Unlock()
	telemetry.DispatchTicksTotal.WithLabelValues("promote").Inc()
	telemetry.DispatchTickDuration.WithLabelValues("promote").Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) promoteTick(dt time.Duration) {
	defer d.observe()
	if dt < 0 {
		dt = 0
	}

	d.promoteFree()

	var expired []*Room
	for _, room := range d.reg.Waiting() {
		room.WaitingRemaining -= dt
		if room.WaitingRemaining <= 0 {
			expired = append(expired, room)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].WaitingRemaining < expired[j].WaitingRemaining
	})

	swappedIn := make(map[*Room]struct{}, len(expired))
	for _, room := range expired {
		if d.reg.Full() {
			victim := d.longestServing(swappedIn)
			if victim == nil {
				// Every slot was taken this tick; the room stays overdue.
				break
			}
			d.evict(victim, reasonTimeSlice)
		}
		d.reg.remove(room.ID)
		d.admit(room)
		swappedIn[room] = struct{}{}
	}
}

// promoteFree moves waiting rooms into free slots, nearest to expiry first.
func (d *Dispatcher) promoteFree() {
	for !d.reg.Full() && len(d.reg.Waiting()) > 0 {
		waiting := d.reg.Waiting()
		next := waiting[0]
		for _, room := range waiting[1:] {
			if room.WaitingRemaining < next.WaitingRemaining {
				next = room
			}
		}
		d.reg.remove(next.ID)
		d.admit(next)
		d.logger.Debug().Str("room", next.ID).Msg("waiting room promoted into free slot")
	}
}

func (d *Dispatcher) longestServing(skip map[*Room]struct{}) *Room {
	var victim *Room
	for _, room := range d.reg.Serving() {
		if _, ok := skip[room]; ok {
			continue
		}
		if victim == nil || room.ServingElapsed > victim.ServingElapsed {
			victim = room
		}
	}
	return victim
}
