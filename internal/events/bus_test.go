/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "testing"

func TestBusDeliversToSubscribersOfType(t *testing.T) {
	bus := NewBus()
	state := bus.Subscribe(EventRoomState)
	other := bus.Subscribe(EventSchedule)

	bus.Publish(EventRoomState, Payload{"room_id": "101", "state": "on"})

	select {
	case p := <-state:
		if p["room_id"] != "101" {
			t.Fatalf("unexpected payload %v", p)
		}
	default:
		t.Fatal("expected payload on room.state subscriber")
	}
	select {
	case p := <-other:
		t.Fatalf("schedule subscriber got %v", p)
	default:
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventRoomState)

	for i := 0; i < bus.bufSize*3; i++ {
		bus.Publish(EventRoomState, Payload{"n": i})
	}
	if got := len(sub); got != bus.bufSize {
		t.Fatalf("buffered %d payloads, want %d", got, bus.bufSize)
	}
}

func TestBusUnsubscribeClosesOnce(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventRoomState)

	bus.Unsubscribe(EventRoomState, sub)
	bus.Unsubscribe(EventRoomState, sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected closed subscriber")
	}
	bus.Publish(EventRoomState, Payload{"room_id": "101"})
}
