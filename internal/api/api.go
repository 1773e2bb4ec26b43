/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/roomair/internal/auth"
	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/notify"
)

// API exposes HTTP and websocket handlers.
type API struct {
	dispatcher   *dispatch.Dispatcher
	ledger       dispatch.Ledger
	hub          *notify.Hub
	bus          events.Broker
	db           *gorm.DB
	jwtSecret    []byte
	pingInterval time.Duration
	logger       zerolog.Logger
}

// Deps groups the API's collaborators. DB may be nil, in which case usage
// queries answer 503.
type Deps struct {
	Dispatcher   *dispatch.Dispatcher
	Ledger       dispatch.Ledger
	Hub          *notify.Hub
	Bus          events.Broker
	DB           *gorm.DB
	JWTSecret    []byte
	PingInterval time.Duration
}

// New creates the API router wrapper.
func New(deps Deps, logger zerolog.Logger) *API {
	ping := deps.PingInterval
	if ping <= 0 {
		ping = 15 * time.Second
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &API{
		dispatcher:   deps.Dispatcher,
		ledger:       deps.Ledger,
		hub:          deps.Hub,
		bus:          bus,
		db:           deps.DB,
		jwtSecret:    deps.JWTSecret,
		pingInterval: ping,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the REST and websocket endpoints.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// Room panels are unauthenticated, as in the building network.
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", a.handleRoomStatus)
			r.Post("/requests", a.handleRoomRequest)

			r.Group(func(pr chi.Router) {
				pr.Use(auth.Middleware(a.jwtSecret), auth.RequireRole(auth.RoleFrontDesk))
				pr.Get("/bill", a.handleRoomBill)
			})
		})

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret), auth.RequireRole(auth.RoleManager))
			pr.Get("/schedule", a.handleSchedule)
			pr.Get("/usage", a.handleUsage)
		})
	})

	r.Get("/ws/rooms/{roomID}", a.handleRoomSocket)
	r.With(auth.Middleware(a.jwtSecret), auth.RequireRole(auth.RoleManager)).Get("/ws/events", a.handleEvents)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func roomIDParam(r *http.Request) (string, error) {
	return dispatch.NormalizeRoomID(chi.URLParam(r, "roomID"))
}

// errorCode maps dispatcher input errors to API error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrInvalidTier):
		return "invalid_tier"
	case errors.Is(err, dispatch.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, dispatch.ErrInvalidRoom):
		return "invalid_room"
	default:
		return "invalid_request"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
