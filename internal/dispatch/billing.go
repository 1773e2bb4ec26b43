/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"time"

	"github.com/friendsincode/roomair/internal/telemetry"
)

// BillTick advances serving time by dt and charges every completed metering
// unit at the room's tier rate. A long tick charges all units it covers.
func (d *Dispatcher) BillTick(dt time.Duration) {
	start := time.Now()
	d.mu.Lock()
	d.billTick(dt)
	d.mu.Unlock()
	telemetry.DispatchTicksTotal.WithLabelValues("bill").Inc()
	telemetry.DispatchTickDuration.WithLabelValues("bill").Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) billTick(dt time.Duration) {
	if dt <= 0 {
		return
	}
	unit := d.cfg.MeteringUnit
	for _, room := range d.reg.Serving() {
		room.ServingElapsed += dt
		room.BillingElapsed += dt
		for room.BillingElapsed >= unit {
			room.BillingElapsed -= unit
			rate := d.cfg.Rates.Rate(room.Tier)
			d.ledger.Add(room.ID, rate)
			d.notifier.Notify(room.ID, Event{State: StateOn, Bill: d.ledger.Total(room.ID)})
			telemetry.DispatchChargesTotal.WithLabelValues(room.Tier.String()).Inc()
		}
	}
}
