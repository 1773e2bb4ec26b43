/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/roomair/internal/auth"
	"github.com/friendsincode/roomair/internal/dispatch"
	"github.com/friendsincode/roomair/internal/events"
	"github.com/friendsincode/roomair/internal/ledger"
	"github.com/friendsincode/roomair/internal/models"
	"github.com/friendsincode/roomair/internal/notify"
)

var testSecret = []byte("test-secret")

type testEnv struct {
	api        *API
	dispatcher *dispatch.Dispatcher
	book       *ledger.Book
	hub        *notify.Hub
	bus        *events.Bus
	db         *gorm.DB
	server     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.UsageRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := dispatch.DefaultConfig()
	cfg.Capacity = 1
	book := ledger.NewBook(nil)
	hub := notify.NewHub(16)
	bus := events.NewBus()
	notifier := notify.NewDispatcher(hub, bus, 64, zerolog.Nop())

	d, err := dispatch.New(cfg, book, zerolog.Nop(), dispatch.WithNotifier(notifier))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = notifier.Run(ctx) }()

	a := New(Deps{
		Dispatcher:   d,
		Ledger:       book,
		Hub:          hub,
		Bus:          bus,
		DB:           db,
		JWTSecret:    testSecret,
		PingInterval: time.Hour,
	}, zerolog.Nop())

	r := chi.NewRouter()
	a.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &testEnv{api: a, dispatcher: d, book: book, hub: hub, bus: bus, db: db, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.Issue(testSecret, auth.Claims{StaffID: "staff-1", Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestRoomRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/rooms/101/requests",
		`{"state":"on","tier":"medium","mode":"cool","set_point":22,"measured_value":28}`, "")
	if resp.StatusCode != http.StatusOK || body["state"] != "on" {
		t.Fatalf("first request: %d %v", resp.StatusCode, body)
	}

	// Capacity 1: an equal tier waits.
	_, body = env.do(t, http.MethodPost, "/api/v1/rooms/102/requests", `{"state":"on","tier":1}`, "")
	if body["state"] != "wait" {
		t.Fatalf("second request: %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/rooms/101", "", "")
	if body["pool"] != "serving" || body["tier"] != "medium" || body["mode"] != "cool" {
		t.Fatalf("status: %v", body)
	}

	_, body = env.do(t, http.MethodPost, "/api/v1/rooms/101/requests",
		`{"state":"on","tier":"medium","mode":"heat","set_point":25,"fresh":false}`, "")
	if body["state"] != "on" {
		t.Fatalf("tune: %v", body)
	}
	if st := env.dispatcher.Status("101"); st.Mode != "heat" || st.Pool != dispatch.PoolServing {
		t.Fatalf("tune did not update in place: %+v", st)
	}

	_, body = env.do(t, http.MethodPost, "/api/v1/rooms/101/requests", `{"state":"off"}`, "")
	if body["state"] != "off" {
		t.Fatalf("release: %v", body)
	}
	if snap := env.dispatcher.Snapshot(); len(snap.Serving) != 1 || snap.Serving[0] != "102" {
		t.Fatalf("waiting room not promoted: %+v", snap)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/rooms/999", "", "")
	if body["pool"] != "off" || body["tier"] != "" {
		t.Fatalf("untracked status: %v", body)
	}
}

func TestRoomRequestRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		room string
		body string
		code string
	}{
		{name: "bad tier", body: `{"state":"on","tier":"turbo"}`, code: "invalid_tier"},
		{name: "tier out of range", body: `{"state":"on","tier":7}`, code: "invalid_tier"},
		{name: "missing tier", body: `{"state":"on"}`, code: "invalid_tier"},
		{name: "bad state", body: `{"state":"maybe","tier":"low"}`, code: "invalid_state"},
		{name: "malformed", body: `{`, code: "invalid_request"},
		{name: "room id too long", room: strings.Repeat("x", 200), body: `{"state":"on","tier":"high"}`, code: "invalid_room"},
		{name: "control character in room id", room: "10%01", body: `{"state":"on","tier":"high"}`, code: "invalid_room"},
		{name: "blank room id", room: "%20%20", body: `{"state":"on","tier":"high"}`, code: "invalid_room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := tt.room
			if room == "" {
				room = "101"
			}
			resp, body := env.do(t, http.MethodPost, "/api/v1/rooms/"+room+"/requests", tt.body, "")
			if resp.StatusCode != http.StatusBadRequest || body["error"] != tt.code {
				t.Fatalf("got %d %v, want 400 %s", resp.StatusCode, body, tt.code)
			}
		})
	}
	if snap := env.dispatcher.Snapshot(); len(snap.Serving)+len(snap.Waiting) != 0 {
		t.Fatalf("invalid input changed state: %+v", snap)
	}
}

func TestBillRequiresFrontDesk(t *testing.T) {
	env := newTestEnv(t)
	env.book.Add("101", decimal.RequireFromString("3"))
	env.book.Add("101", decimal.RequireFromString("3"))

	resp, _ := env.do(t, http.MethodGet, "/api/v1/rooms/101/bill", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous bill: %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/rooms/101/bill", "", token(t, auth.RoleFrontDesk))
	if resp.StatusCode != http.StatusOK || body["bill"] != 6.0 {
		t.Fatalf("bill: %d %v", resp.StatusCode, body)
	}
}

func TestScheduleRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.dispatcher.Request("101", dispatch.TierLow, dispatch.Params{}); err != nil {
		t.Fatalf("request: %v", err)
	}

	resp, _ := env.do(t, http.MethodGet, "/api/v1/schedule", "", token(t, auth.RoleFrontDesk))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("front desk schedule: %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/schedule", "", token(t, auth.RoleManager))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schedule: %d", resp.StatusCode)
	}
	serving, _ := body["serving"].([]any)
	if len(serving) != 1 || serving[0] != "101" {
		t.Fatalf("schedule body: %v", body)
	}
}

func TestUsageQuery(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seed := []models.UsageRecord{
		{ID: "a", RoomID: "101", Operation: "on", Result: "on", At: base},
		{ID: "b", RoomID: "102", Operation: "on", Result: "wait", At: base.Add(time.Hour)},
	}
	if err := env.db.Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	mgr := token(t, auth.RoleManager)

	_, body := env.do(t, http.MethodGet, "/api/v1/usage?room=102", "", mgr)
	records, _ := body["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("usage by room: %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/usage?to=2026-03-01T00:30:00Z", "", mgr)
	records, _ = body["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("usage by time: %v", body)
	}

	resp, body := env.do(t, http.MethodGet, "/api/v1/usage?from=yesterday", "", mgr)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_from" {
		t.Fatalf("bad from: %d %v", resp.StatusCode, body)
	}
}

func dialRoom(t *testing.T, env *testEnv, roomID string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/rooms/" + roomID
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *ws.Conn, wantType string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read %s frame: %v", wantType, err)
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f["type"] == wantType {
			return f
		}
	}
}

func readFrames(t *testing.T, conn *ws.Conn, types ...string) map[string]map[string]any {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := make(map[string]map[string]any, len(types))
	for len(got) < len(want) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read frames %v: %v", types, err)
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		typ, _ := f["type"].(string)
		if want[typ] {
			if _, seen := got[typ]; !seen {
				got[typ] = f
			}
		}
	}
	return got
}

func waitForPool(t *testing.T, d *dispatch.Dispatcher, roomID string, want dispatch.Pool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Status(roomID).Pool == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s pool = %s, want %s", roomID, d.Status(roomID).Pool, want)
}

func TestRoomSocketSubmitAndPush(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRoom(t, env, "101")
	defer conn.Close(ws.StatusNormalClosure, "")

	ctx := context.Background()
	if err := conn.Write(ctx, ws.MessageText, []byte(`{"state":"on","tier":"high","mode":"cool"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The reply and the pushed admission event may arrive in either order.
	frames := readFrames(t, conn, "reply", "event")
	if frames["reply"]["payload"].(map[string]any)["state"] != "on" {
		t.Fatalf("reply: %v", frames["reply"])
	}
	if frames["event"]["payload"].(map[string]any)["state"] != "on" {
		t.Fatalf("event: %v", frames["event"])
	}

	if err := conn.Write(ctx, ws.MessageText, []byte(`{"state":"on","tier":"ultra"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, conn, "error"); f["error"] != "invalid_tier" {
		t.Fatalf("error frame: %v", f)
	}
}

func TestRoomSocketDisconnectReleasesRoom(t *testing.T) {
	env := newTestEnv(t)
	conn := dialRoom(t, env, "101")

	if err := conn.Write(context.Background(), ws.MessageText, []byte(`{"state":"on","tier":"low"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, "reply")
	waitForPool(t, env.dispatcher, "101", dispatch.PoolServing)

	conn.Close(ws.StatusNormalClosure, "bye")
	waitForPool(t, env.dispatcher, "101", dispatch.PoolOff)
}

func TestRoomSocketReplacedConnectionKeepsRoom(t *testing.T) {
	env := newTestEnv(t)
	first := dialRoom(t, env, "101")
	if err := first.Write(context.Background(), ws.MessageText, []byte(`{"state":"on","tier":"low"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, first, "reply")

	second := dialRoom(t, env, "101")
	defer second.Close(ws.StatusNormalClosure, "")

	// The first socket is closed by the server once replaced.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			break
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := env.dispatcher.Status("101").Pool; got != dispatch.PoolServing {
		t.Fatalf("replaced connection released the room: pool = %s", got)
	}
}

func TestEventsStreamForManagers(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/events?types=room.request&token=" + token(t, auth.RoleManager)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	// Subscription happens after the upgrade; retry until the event arrives.
	got := make(chan map[string]any, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f map[string]any
		if json.Unmarshal(data, &f) == nil {
			got <- f
		}
	}()
	for {
		resp, err := http.Post(env.server.URL+"/api/v1/rooms/101/requests", "application/json",
			bytes.NewReader([]byte(`{"state":"on","tier":"low","fresh":false}`)))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		select {
		case f := <-got:
			if f["type"] != "room.request" {
				t.Fatalf("unexpected frame %v", f)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestEventsStreamRequiresManager(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/ws/events", "", token(t, auth.RoleFrontDesk))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
