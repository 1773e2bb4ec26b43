/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/notify"
	"github.com/friendsincode/roomair/internal/telemetry"
)

// frame is every server-to-client websocket message.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type eventPayload struct {
	State dispatch.EventState `json:"state"`
	Bill  float64             `json:"bill"`
}

// socketWriter serializes writes from the reader loop and the push loop.
type socketWriter struct {
	mu   sync.Mutex
	conn *ws.Conn
}

func (s *socketWriter) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, ws.MessageText, data)
}

// handleRoomSocket serves a room panel. Each text message is a submit and gets
// a reply frame; dispatcher events are pushed on the same socket. When the
// socket closes while still the room's current channel, the room is released.
func (a *API) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.WebsocketConnections.Inc()
	defer telemetry.WebsocketConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := &socketWriter{conn: conn}
	ch := a.hub.Attach(roomID)
	logger := a.logger.With().Str("room", roomID).Logger()
	logger.Debug().Msg("room panel connected")

	go a.pushRoomEvents(ctx, conn, out, ch)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		req, err := decodeSubmit(data)
		if err == nil {
			var reply submitReply
			if reply, err = a.submit(ctx, roomID, req); err == nil {
				err = out.write(ctx, frame{Type: "reply", Payload: reply})
				if err != nil {
					break
				}
				continue
			}
		}
		if werr := out.write(ctx, frame{Type: "error", Error: errorCode(err)}); werr != nil {
			break
		}
	}

	cancel()
	if a.hub.Detach(ch) {
		if _, err := a.dispatcher.Submit(dispatch.SubmitRequest{RoomID: roomID, State: dispatch.StateOff}); err != nil {
			logger.Warn().Err(err).Msg("release on disconnect failed")
		}
		logger.Info().Msg("room panel disconnected, room released")
	}
	conn.Close(ws.StatusNormalClosure, "")
}

// pushRoomEvents forwards hub events and keeps the socket alive. A replaced
// channel closes the socket.
func (a *API) pushRoomEvents(ctx context.Context, conn *ws.Conn, out *socketWriter, ch *notify.Channel) {
	ticker := time.NewTicker(a.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.write(ctx, frame{Type: "ping"}); err != nil {
				conn.Close(ws.StatusGoingAway, "write failed")
				return
			}
		case ev, ok := <-ch.Events():
			if !ok {
				conn.Close(ws.StatusPolicyViolation, "replaced by a newer connection")
				return
			}
			f := frame{Type: "event", Payload: eventPayload{State: ev.State, Bill: money(ev.Bill)}}
			if err := out.write(ctx, f); err != nil {
				a.logger.Debug().Err(err).Str("room", ch.RoomID()).Msg("websocket push failed")
				conn.Close(ws.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

type busEvent struct {
	eventType events.EventType
	payload   events.Payload
}

// handleEvents streams bus events to managers. ?types= selects event types.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.WebsocketConnections.Inc()
	defer telemetry.WebsocketConnections.Dec()

	// Managers only listen; CloseRead handles control frames and cancels on close.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = []events.EventType{events.EventRoomState, events.EventRoomRequest, events.EventSchedule}
	}

	merged := make(chan busEvent, 64)
	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	var wg sync.WaitGroup
	for _, eventType := range eventTypes {
		sub := a.bus.Subscribe(eventType)
		subscribers = append(subscribers, sub)
		wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
			defer wg.Done()
			for payload := range sub {
				select {
				case merged <- busEvent{eventType: eventType, payload: payload}:
				case <-ctx.Done():
				}
			}
		}(eventType, sub)
	}
	defer func() {
		cancel()
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
		wg.Wait()
	}()

	out := &socketWriter{conn: conn}
	ticker := time.NewTicker(a.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := out.write(ctx, frame{Type: "ping"}); err != nil {
				conn.Close(ws.StatusGoingAway, "write failed")
				return
			}
		case ev := <-merged:
			if err := out.write(ctx, frame{Type: string(ev.eventType), Payload: ev.payload}); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				conn.Close(ws.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}
