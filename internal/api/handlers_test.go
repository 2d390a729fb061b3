package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukaswerner/displaywatch/internal/model"
	"github.com/lukaswerner/displaywatch/internal/monitor"
	"github.com/lukaswerner/displaywatch/internal/notify"
	"github.com/lukaswerner/displaywatch/internal/store"
	"github.com/lukaswerner/displaywatch/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store  *store.Store
	hub    *stream.Hub
	server *Server
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hub := stream.NewHub()
	srv := NewServer(":0", s, hub, nil, nil, Options{PerformanceThresholdMs: 1000})
	return &testEnv{store: s, hub: hub, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// recordingSink captures hub events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (r *recordingSink) Send(ev model.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Event
	}
	return out
}

func TestHandleHeartbeat(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId":    "lobby-1",
		"responseTime": 120,
		"clientInfo":   map[string]string{"name": "Lobby"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, true, body["success"])

	st, err := e.store.Status("lobby-1")
	require.NoError(t, err)
	assert.True(t, st.IsOnline)
	assert.Equal(t, "Lobby", st.DisplayName())

	hbs, err := e.store.RecentHeartbeats("lobby-1", time.Hour)
	require.NoError(t, err)
	require.Len(t, hbs, 1)
	assert.Equal(t, int64(120), hbs[0].ResponseTimeMs)
}

func TestHandleHeartbeat_Validation(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{"responseTime": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId": "lobby-1", "responseTime": -5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/heartbeat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHeartbeat_TransitionBroadcastsAndResolves(t *testing.T) {
	e := newTestEnv(t)
	sink := &recordingSink{}
	e.hub.AddClient("", sink)

	// Seed an offline display with an open offline alert.
	_, _, err := e.store.MarkOnline("lobby-1", nil)
	require.NoError(t, err)
	_, err = e.store.MarkOffline("lobby-1", model.ReasonTimeout)
	require.NoError(t, err)
	_, err = e.store.CreateAlert("lobby-1", model.AlertOffline, model.SeverityHigh, "offline", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId": "lobby-1", "responseTime": 50,
	})
	require.Equal(t, http.StatusOK, w.Code)

	names := sink.names()
	assert.Contains(t, names, model.EventStatusChanged)
	assert.Contains(t, names, model.EventClientConnected)

	active, err := e.store.ActiveAlerts("lobby-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestHandleHeartbeat_SteadyStateDoesNotBroadcast(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId": "lobby-1", "responseTime": 50,
	})
	require.Equal(t, http.StatusOK, w.Code)

	sink := &recordingSink{}
	e.hub.AddClient("", sink)

	w = e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId": "lobby-1", "responseTime": 60,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sink.names())
}

func TestHandleHeartbeat_PerformanceAlert(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId": "lobby-1", "responseTime": 5000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	alert, err := e.store.ActiveAlert("lobby-1", model.AlertPerformance)
	require.NoError(t, err)
	assert.Equal(t, "5000", alert.TriggerConditions["response_time_ms"])

	// A second slow heartbeat does not duplicate the alert.
	w = e.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"displayId": "lobby-1", "responseTime": 6000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	active, err := e.store.ActiveAlerts("lobby-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

// blockingProvider holds the send until released, then reports the context
// state it observed at delivery time.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	got     chan error
}

func (p *blockingProvider) Name() string           { return "capture" }
func (p *blockingProvider) Channel() model.Channel { return model.ChannelWebhook }

func (p *blockingProvider) Send(ctx context.Context, _ model.Notification) error {
	close(p.started)
	<-p.release
	p.got <- ctx.Err()
	return nil
}

func TestHandleHeartbeat_PerformanceDispatchOutlivesRequest(t *testing.T) {
	e := newTestEnv(t)
	p := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		got:     make(chan error, 1),
	}
	e.server.dispatcher = notify.NewDispatcher(e.store,
		[]notify.ChannelConfig{{Provider: p, Cooldown: time.Minute}}, time.Hour)

	body, err := json.Marshal(map[string]any{"displayId": "lobby-1", "responseTime": 5000})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/heartbeat", bytes.NewReader(body)).WithContext(ctx)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-p.started:
	case <-time.After(time.Second):
		t.Fatal("notification send never started")
	}

	// The handler has returned; a real server cancels the request context
	// here while delivery is still in flight.
	cancel()
	close(p.release)

	select {
	case sendErr := <-p.got:
		assert.NoError(t, sendErr)
	case <-time.After(time.Second):
		t.Fatal("notification send never finished")
	}
}

func TestHandleDisplays(t *testing.T) {
	e := newTestEnv(t)
	_, _, err := e.store.MarkOnline("a", nil)
	require.NoError(t, err)
	_, _, err = e.store.MarkOnline("b", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/displays", nil)
	require.Equal(t, http.StatusOK, w.Code)
	displays := decodeBody[[]model.DisplayStatus](t, w)
	assert.Len(t, displays, 2)
}

func TestHandleDisplayStatus(t *testing.T) {
	e := newTestEnv(t)
	_, _, err := e.store.MarkOnline("lobby-1", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/displays/lobby-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.InDelta(t, 100, body["uptime_percentage"], 0.1)
	assert.NotNil(t, body["status"])

	w = e.do(t, http.MethodGet, "/api/displays/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDisplayHistory(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.store.RecordHeartbeat("lobby-1", 100, nil, nil, nil)
	require.NoError(t, err)
	_, err = e.store.RecordHeartbeat("lobby-1", 200, nil, nil, nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/displays/lobby-1/heartbeats?minutes=60", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hbs := decodeBody[[]model.DisplayHeartbeat](t, w)
	assert.Len(t, hbs, 2)

	w = e.do(t, http.MethodGet, "/api/displays/lobby-1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[model.ResponseTimeStats](t, w)
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, int64(200), stats.Max)

	w = e.do(t, http.MethodGet, "/api/displays/lobby-1/hourly?hours=24", nil)
	require.Equal(t, http.StatusOK, w.Code)
	buckets := decodeBody[[]model.HourlyHeartbeatStats](t, w)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Count)
}

func TestHandleAlerts(t *testing.T) {
	e := newTestEnv(t)

	a, err := e.store.CreateAlert("lobby-1", model.AlertOffline, model.SeverityCritical, "offline", nil)
	require.NoError(t, err)
	_, err = e.store.CreateAlert("lobby-2", model.AlertPerformance, model.SeverityLow, "slow", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/alerts/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.DisplayAlert](t, w), 2)

	w = e.do(t, http.MethodGet, "/api/alerts/active?displayId=lobby-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.DisplayAlert](t, w), 1)

	w = e.do(t, http.MethodGet, "/api/alerts/unacknowledged", nil)
	require.Equal(t, http.StatusOK, w.Code)
	unacked := decodeBody[[]model.DisplayAlert](t, w)
	require.Len(t, unacked, 2)
	assert.Equal(t, a.ID, unacked[0].ID) // critical sorts first

	w = e.do(t, http.MethodGet, "/api/alerts/stats?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.AlertStat](t, w), 2)
}

func TestHandleAcknowledgeAlert(t *testing.T) {
	e := newTestEnv(t)
	a, err := e.store.CreateAlert("lobby-1", model.AlertOffline, model.SeverityMedium, "offline", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/acknowledge", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/acknowledge", map[string]any{"userId": "ops"})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := e.store.Alert(a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAcknowledged)
	assert.Equal(t, "ops", got.AcknowledgedBy)

	w = e.do(t, http.MethodPost, "/api/alerts/no-such/acknowledge", map[string]any{"userId": "ops"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleResolveAlert(t *testing.T) {
	e := newTestEnv(t)
	a, err := e.store.CreateAlert("lobby-1", model.AlertOffline, model.SeverityMedium, "offline", nil)
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHealthz(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "monitor_stopped", body["status"])
	assert.Equal(t, false, body["monitor_running"])
}

func TestHandleHealthz_MonitorRunning(t *testing.T) {
	e := newTestEnv(t)

	mon := monitor.New(e.store, e.hub, nil, monitor.Config{})
	require.NoError(t, mon.Start())
	t.Cleanup(mon.Stop)
	e.server.monitor = mon

	w := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["monitor_running"])
}

func TestWebsocketEndpoints(t *testing.T) {
	e := newTestEnv(t)

	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/displays/lobby-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev model.StreamEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventConnected, ev.Event)

	global, _, err := websocket.DefaultDialer.Dial(url+"/ws/events", nil)
	require.NoError(t, err)
	defer global.Close()

	require.NoError(t, global.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, global.ReadJSON(&ev))
	assert.Equal(t, model.EventConnected, ev.Event)
}
