/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/friendsincode/roomair/internal/usage"
)

const maxUsageLimit = 5000

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		writeError(w, http.StatusServiceUnavailable, "usage_unavailable")
		return
	}

	q := r.URL.Query()
	filter := usage.Filter{RoomID: q.Get("room"), Limit: maxUsageLimit}

	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from")
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		if n < maxUsageLimit {
			filter.Limit = n
		}
	}

	records, err := usage.Query(r.Context(), a.db, filter)
	if err != nil {
		a.logger.Error().Err(err).Msg("usage query failed")
		writeError(w, http.StatusInternalServerError, "usage_query_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
