package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/analytics"
	"github.com/hyperengineering/waypoint/internal/cache"
	"github.com/hyperengineering/waypoint/internal/connectivity"
	"github.com/hyperengineering/waypoint/internal/outbox"
	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/syncer"
	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/hyperengineering/waypoint/internal/validation"
)

// fakeSyncer records drains without contacting a remote.
type fakeSyncer struct {
	drains int
	result syncer.Result
	err    error
}

func (f *fakeSyncer) Drain(ctx context.Context) (syncer.Result, error) {
	f.drains++
	return f.result, f.err
}

func (f *fakeSyncer) State() syncer.State { return syncer.Idle }

type testServer struct {
	router  http.Handler
	monitor *connectivity.Monitor
	queue   *outbox.Queue
	syncer  *fakeSyncer
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "waypoint.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	monitor := connectivity.NewMonitor(false)
	queue := outbox.NewQueue(s)
	fs := &fakeSyncer{result: syncer.Result{DrainID: "drain-1", Attempted: 2, Succeeded: 2}}

	h := NewHandler(Services{
		Cache:        cache.NewManager(s, monitor),
		Outbox:       queue,
		Connectivity: monitor,
		Sync:         fs,
		Analytics:    analytics.NewStore(s),
	}, apiKey, "1.2.3")

	return &testServer{router: NewRouter(h), monitor: monitor, queue: queue, syncer: fs}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "secret")
	if _, err := ts.queue.QueueAction(context.Background(), types.ActionResolveAlert, "alert", 9, nil); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (health is public)", w.Code)
	}

	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "1.2.3" {
		t.Errorf("health = %+v", resp)
	}
	if resp.PendingActions != 1 {
		t.Errorf("pendingActions = %d, want 1", resp.PendingActions)
	}
	if resp.Online {
		t.Error("online = true, want false")
	}
	if resp.SyncState != "idle" {
		t.Errorf("syncState = %q, want idle", resp.SyncState)
	}
}

func TestAuth_RequiredWhenKeyConfigured(t *testing.T) {
	ts := newTestServer(t, "secret")

	w := ts.do(t, http.MethodGet, "/api/v1/outbox", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/outbox", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}
}

func TestAuth_DisabledWithoutKey(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodGet, "/api/v1/outbox", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCache_PutThenGetReturnsLatest(t *testing.T) {
	ts := newTestServer(t, "")

	if w := ts.do(t, http.MethodPut, "/api/v1/cache/alerts", `[{"id":1}]`); w.Code != http.StatusCreated {
		t.Fatalf("first PUT status = %d, body %s", w.Code, w.Body.String())
	}
	ts.monitor.SetOnline(true)
	if w := ts.do(t, http.MethodPut, "/api/v1/cache/alerts", `[{"id":2}]`); w.Code != http.StatusCreated {
		t.Fatalf("second PUT status = %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/cache/alerts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body %s", w.Code, w.Body.String())
	}

	var resp types.CacheResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp.Payload) != `[{"id":2}]` {
		t.Errorf("payload = %s, want newest snapshot", resp.Payload)
	}
	if !resp.Synced {
		t.Error("synced = false, want true for a snapshot written online")
	}
}

func TestCache_GetMissIs404(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodGet, "/api/v1/cache/payments", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCache_UnknownTypeIs422(t *testing.T) {
	ts := newTestServer(t, "")

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		w := ts.do(t, method, "/api/v1/cache/tenants", `{}`)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s status = %d, want 422", method, w.Code)
		}
	}
}

func TestCache_PutRejectsInvalidJSON(t *testing.T) {
	ts := newTestServer(t, "")

	if w := ts.do(t, http.MethodPut, "/api/v1/cache/agents", `{"broken":`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid JSON status = %d, want 422", w.Code)
	}
	if w := ts.do(t, http.MethodPut, "/api/v1/cache/agents", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty body status = %d, want 422", w.Code)
	}
}

func TestCache_PutRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, "")
	big := `"` + strings.Repeat("a", validation.MaxPayloadBytes) + `"`
	if w := ts.do(t, http.MethodPut, "/api/v1/cache/agents", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestCache_Evict(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPut, "/api/v1/cache/hardware", `{"ok":true}`)

	w := ts.do(t, http.MethodDelete, "/api/v1/cache?ttl=24h", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp types.EvictResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Removed != 0 {
		t.Errorf("removed = %d, want 0 for a fresh snapshot", resp.Removed)
	}
	if resp.TTL != "24h0m0s" {
		t.Errorf("ttl = %q, want 24h0m0s", resp.TTL)
	}

	if w := ts.do(t, http.MethodDelete, "/api/v1/cache?ttl=-1h", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("negative ttl status = %d, want 422", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/v1/cache?ttl=soon", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed ttl status = %d, want 422", w.Code)
	}
}

func TestOutbox_QueueListRemove(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/v1/outbox",
		`{"action":"verify_property","entityType":"property","entityId":12,"payload":{"verified":true}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", w.Code, w.Body.String())
	}
	var queued types.PendingAction
	if err := json.Unmarshal(w.Body.Bytes(), &queued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if queued.Retries != 0 || queued.EntityID != 12 {
		t.Errorf("queued = %+v", queued)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/outbox", "")
	var list types.OutboxResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 || list.Pending[0].ID != queued.ID {
		t.Fatalf("list = %+v", list)
	}

	if w := ts.do(t, http.MethodDelete, "/api/v1/outbox/"+queued.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	// Removing an absent id is not an error.
	if w := ts.do(t, http.MethodDelete, "/api/v1/outbox/"+queued.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("second DELETE status = %d, want 204", w.Code)
	}

	n, err := ts.queue.Count(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Count() = %d, %v; want 0", n, err)
	}
}

func TestOutbox_EmptyListIsArray(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(t, http.MethodGet, "/api/v1/outbox", "")
	if !strings.Contains(w.Body.String(), `"pending":[]`) {
		t.Errorf("body = %s, want empty pending array", w.Body.String())
	}
}

func TestOutbox_QueueValidation(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown action", `{"action":"delete_property","entityType":"property","entityId":1}`, http.StatusUnprocessableEntity},
		{"zero entity id", `{"action":"resolve_alert","entityType":"alert","entityId":0}`, http.StatusUnprocessableEntity},
		{"missing entity type", `{"action":"resolve_alert","entityId":3}`, http.StatusUnprocessableEntity},
		{"malformed json", `{"action":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodPost, "/api/v1/outbox", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestOutbox_RemoveRejectsBadID(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodDelete, "/api/v1/outbox/not-a-ulid", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestOutbox_Flush(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/v1/outbox/flush", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ts.syncer.drains != 1 {
		t.Errorf("drains = %d, want 1", ts.syncer.drains)
	}
	var res syncer.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Succeeded != 2 || res.DrainID != "drain-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestOutbox_FlushStorageFailureIs500(t *testing.T) {
	ts := newTestServer(t, "")
	ts.syncer.err = store.Wrap("claim pending actions", store.ErrClosed)

	w := ts.do(t, http.MethodPost, "/api/v1/outbox/flush", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "closed") {
		t.Errorf("body leaks internal error: %s", w.Body.String())
	}
}

func TestConnectivity_GetAndSet(t *testing.T) {
	ts := newTestServer(t, "")

	var fired int
	ts.monitor.OnOnline(func() { fired++ })

	w := ts.do(t, http.MethodPut, "/api/v1/connectivity", `{"online":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}
	if !ts.monitor.IsOnline() || fired != 1 {
		t.Errorf("online = %v, fired = %d; want true, 1", ts.monitor.IsOnline(), fired)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/connectivity", "")
	var status types.ConnectivityStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Online {
		t.Error("GET online = false, want true")
	}

	if w := ts.do(t, http.MethodPut, "/api/v1/connectivity", `{}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing online status = %d, want 422", w.Code)
	}
}

func TestAnalytics_RecordAndList(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/v1/analytics",
		`{"agentCount":4,"propertyCount":20,"alertCount":1,"paymentVolume":1250.5}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", w.Code, w.Body.String())
	}

	old := time.Now().Add(-60 * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
	w = ts.do(t, http.MethodPost, "/api/v1/analytics", `{"agentCount":1,"timestamp":"`+old+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST old status = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/analytics", "")
	var resp types.AnalyticsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Snapshots) != 1 || resp.Snapshots[0].AgentCount != 4 {
		t.Errorf("snapshots = %+v, want only the recent one", resp.Snapshots)
	}
	if resp.Window != "720h0m0s" {
		t.Errorf("window = %q, want 720h0m0s", resp.Window)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/analytics?window=2160h", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Snapshots) != 2 {
		t.Errorf("len(snapshots) = %d, want 2 with a 90 day window", len(resp.Snapshots))
	}
}

func TestAnalytics_RecordValidation(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodPost, "/api/v1/analytics", `{"alertCount":-1}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}
