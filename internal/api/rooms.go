/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/telemetry"
)

// submitRequest is the panel request body, shared by REST and websocket frames.
type submitRequest struct {
	State    dispatch.EventState `json:"state"`
	Tier     *dispatch.Tier      `json:"tier"`
	Mode     string              `json:"mode"`
	SetPoint float64             `json:"set_point"`
	Measured float64             `json:"measured_value"`
	// Fresh=false updates parameters of a tracked room without re-admission.
	Fresh *bool `json:"fresh"`
}

type submitReply struct {
	RoomID string              `json:"room_id"`
	State  dispatch.EventState `json:"state"`
	Bill   float64             `json:"bill"`
}

type billReply struct {
	RoomID string  `json:"room_id"`
	Bill   float64 `json:"bill"`
}

func decodeSubmit(data []byte) (submitRequest, error) {
	var req submitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// submit runs one panel request through the dispatcher and announces it on the bus.
func (a *API) submit(ctx context.Context, roomID string, req submitRequest) (submitReply, error) {
	_, span := telemetry.StartSpan(ctx, "roomair-api", "room.submit",
		attribute.String("room_id", roomID),
		attribute.String("state", string(req.State)),
	)
	defer span.End()

	sr := dispatch.SubmitRequest{
		RoomID: roomID,
		State:  req.State,
		Params: dispatch.Params{Mode: req.Mode, SetPoint: req.SetPoint, Measured: req.Measured},
		Tune:   req.Fresh != nil && !*req.Fresh,
	}
	if req.Tier != nil {
		sr.Tier = *req.Tier
	} else if req.State == dispatch.StateOn {
		return submitReply{}, fmt.Errorf("%w: missing", dispatch.ErrInvalidTier)
	}

	reply, err := a.dispatcher.Submit(sr)
	if err != nil {
		telemetry.RecordError(span, err)
		return submitReply{}, err
	}
	span.SetAttributes(attribute.String("result", string(reply.State)))

	a.bus.Publish(events.EventRoomRequest, events.Payload{
		"room_id": roomID,
		"request": string(req.State),
		"result":  string(reply.State),
		"bill":    reply.Bill.String(),
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	snap := a.dispatcher.Snapshot()
	a.bus.Publish(events.EventSchedule, events.Payload{
		"serving": snap.Serving,
		"waiting": snap.Waiting,
	})

	return submitReply{RoomID: roomID, State: reply.State, Bill: money(reply.Bill)}, nil
}

func (a *API) handleRoomRequest(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorCode(err))
		return
	}

	reply, err := a.submit(r.Context(), roomID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorCode(err))
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room")
		return
	}
	writeJSON(w, http.StatusOK, a.dispatcher.Status(roomID))
}

func (a *API) handleRoomBill(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_room")
		return
	}
	writeJSON(w, http.StatusOK, billReply{RoomID: roomID, Bill: money(a.ledger.Total(roomID))})
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.dispatcher.Snapshot())
}

// money renders a bill for JSON clients. Totals are sums of rates with at most
// four decimal places, well inside float64 precision.
func money(d decimal.Decimal) float64 {
	return d.Round(4).InexactFloat64()
}
