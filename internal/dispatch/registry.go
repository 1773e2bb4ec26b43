/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dispatch

import (
	"fmt"
	"time"
)

// Registry is the in-memory table of tracked rooms. It is not safe for
// concurrent use; the Dispatcher serializes all access.
type Registry struct {
	capacity int
	serving  []*Room
	waiting  []*Room
	rooms    map[string]*Room
}

// NewRegistry creates an empty registry with the given serving capacity.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		serving:  make([]*Room, 0, capacity),
		waiting:  make([]*Room, 0),
		rooms:    make(map[string]*Room),
	}
}

// Capacity returns the serving slot count.
func (r *Registry) Capacity() int { return r.capacity }

// Full reports whether every serving slot is taken.
func (r *Registry) Full() bool { return len(r.serving) >= r.capacity }

// Get returns the tracked room, if any.
func (r *Registry) Get(id string) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

// Serving returns the serving rooms in admission order. Callers must not retain it across mutations.
func (r *Registry) Serving() []*Room { return r.serving }

// Waiting returns the waiting rooms in arrival order. Callers must not retain it across mutations.
func (r *Registry) Waiting() []*Room { return r.waiting }

func (r *Registry) addServing(room *Room) {
	if r.Full() {
		panic(fmt.Sprintf("dispatch: serving pool full (%d/%d), refusing room %s without eviction", len(r.serving), r.capacity, room.ID))
	}
	r.track(room)
	room.Pool = PoolServing
	room.ServingElapsed = 0
	room.BillingElapsed = 0
	room.WaitingRemaining = 0
	r.serving = append(r.serving, room)
}

func (r *Registry) addWaiting(room *Room, countdown time.Duration) {
	r.track(room)
	room.Pool = PoolWaiting
	room.WaitingRemaining = countdown
	r.waiting = append(r.waiting, room)
}

func (r *Registry) track(room *Room) {
	if existing, ok := r.rooms[room.ID]; ok && existing != room {
		panic(fmt.Sprintf("dispatch: room %s tracked twice", room.ID))
	}
	if room.Pool == PoolServing || room.Pool == PoolWaiting {
		panic(fmt.Sprintf("dispatch: room %s inserted while still in %s", room.ID, room.Pool))
	}
	r.rooms[room.ID] = room
}

// remove detaches the room from whichever pool holds it and returns that pool.
func (r *Registry) remove(id string) (*Room, Pool) {
	room, ok := r.rooms[id]
	if !ok {
		return nil, PoolOff
	}
	prev := room.Pool
	switch prev {
	case PoolServing:
		r.serving = without(r.serving, room)
	case PoolWaiting:
		r.waiting = without(r.waiting, room)
	}
	delete(r.rooms, id)
	room.Pool = PoolOff
	return room, prev
}

func without(rooms []*Room, target *Room) []*Room {
	for i, room := range rooms {
		if room == target {
			return append(rooms[:i], rooms[i+1:]...)
		}
	}
	return rooms
}

// snapshot lists room ids per pool.
func (r *Registry) snapshot() Schedule {
	s := Schedule{
		Serving: make([]string, 0, len(r.serving)),
		Waiting: make([]string, 0, len(r.waiting)),
	}
	for _, room := range r.serving {
		s.Serving = append(s.Serving, room.ID)
	}
	for _, room := range r.waiting {
		s.Waiting = append(s.Waiting, room.ID)
	}
	return s
}

// checkInvariants panics when the pools disagree with each other or with capacity.
func (r *Registry) checkInvariants() {
	if len(r.serving) > r.capacity {
		panic(fmt.Sprintf("dispatch: %d rooms serving with capacity %d", len(r.serving), r.capacity))
	}
	if len(r.serving)+len(r.waiting) != len(r.rooms) {
		panic(fmt.Sprintf("dispatch: %d serving + %d waiting != %d tracked", len(r.serving), len(r.waiting), len(r.rooms)))
	}
	for _, room := range r.serving {
		if room.Pool != PoolServing {
			panic(fmt.Sprintf("dispatch: room %s in serving list marked %s", room.ID, room.Pool))
		}
	}
	for _, room := range r.waiting {
		if room.Pool != PoolWaiting {
			panic(fmt.Sprintf("dispatch: room %s in waiting list marked %s", room.ID, room.Pool))
		}
	}
}
