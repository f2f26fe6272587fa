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

	"github.com/google/uuid"

	"github.com/marcus/loops/internal/config"
	"github.com/marcus/loops/internal/insights"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
	"github.com/marcus/loops/internal/sync"
)

// monday is the default test clock: 2026-02-16 12:00 UTC.
var monday = time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:       ":0",
		DBPath:           ":memory:",
		RequestTimeout:   5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		LogFormat:        "json",
		RateLimitPush:    100000,
		RateLimitPull:    100000,
		RateLimitOther:   100000,
		ConflictStrategy: "lww",
	}
}

// newTestServer creates a Server backed by a temp database for testing.
func newTestServer(t *testing.T) (*Server, *serverdb.ServerDB) {
	t.Helper()
	return newTestServerWithConfig(t, nil)
}

// newTestServerWithConfig creates a test server with a custom config modifier.
// The server clock is fixed at monday.
func newTestServerWithConfig(t *testing.T, modCfg func(*config.Config)) (*Server, *serverdb.ServerDB) {
	t.Helper()
	store := newTestStore(t)

	cfg := testConfig()
	if modCfg != nil {
		modCfg(&cfg)
	}

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	clk := &testClock{t: monday}
	srv.now = clk.now
	return srv, store
}

// createTestUser creates a user and API key, returning the bearer token.
func createTestUser(t *testing.T, store *serverdb.ServerDB, email string) (string, string) {
	t.Helper()
	user, err := store.CreateUser(email)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, err := store.GenerateAPIKey(user.ID, "test", nil)
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	return user.ID, token
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	return w
}

func setClock(srv *Server, t time.Time) {
	srv.now = func() time.Time { return t }
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp)
	}
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Fatalf("expected uuid request id, got %q", w.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := newTestServer(t)
	id := uuid.NewString()

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", id)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != id {
		t.Fatalf("request id = %q, want %q", got, id)
	}

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid\nInjected: yes")
	w = httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); strings.Contains(got, "Injected") {
		t.Fatalf("malformed request id echoed: %q", got)
	}
}

func TestRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	paths := []struct{ method, path string }{
		{"GET", "/v1/sync/pull"},
		{"POST", "/v1/sync/push"},
		{"POST", "/v1/sync"},
		{"GET", "/v1/sync/status"},
		{"GET", "/v1/insights/day"},
		{"GET", "/v1/insights/range"},
		{"GET", "/v1/me/streak"},
	}
	for _, p := range paths {
		w := doRequest(srv, p.method, p.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: expected 401, got %d", p.method, p.path, w.Code)
		}
		w = doRequest(srv, p.method, p.path, "lp_live_bogus", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: expected 401, got %d", p.method, p.path, w.Code)
		}
	}
}

func TestPushAndPull(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	task := taskCreate("Run")
	res := h.Push(token, task, instanceCreate(task.EntityID, "2026-02-16", "COMPLETED"))
	if len(res.Applied) != 2 || len(res.Conflicts) != 0 {
		t.Fatalf("push = %+v", res)
	}
	if res.Streak == nil || res.Streak.CurrentStreak != 1 {
		t.Fatalf("streak = %+v, want current 1", res.Streak)
	}

	pull := h.Pull(token, nil)
	if len(pull.Tasks) != 1 || pull.Tasks[0].Title != "Run" {
		t.Fatalf("pull tasks = %+v", pull.Tasks)
	}
	if len(pull.TaskInstances) != 1 || pull.TaskInstances[0].Status != models.StatusCompleted {
		t.Fatalf("pull instances = %+v", pull.TaskInstances)
	}
	if pull.HasMore {
		t.Fatal("hasMore must be false")
	}
}

func TestPullDelta(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	h.Push(token, taskCreate("before"))
	first := h.Pull(token, nil)

	setClock(h.Server, monday.Add(time.Minute))
	after := taskCreate("after")
	h.Push(token, after)

	delta := h.Pull(token, &first.SyncTimestamp)
	if len(delta.Tasks) != 1 || delta.Tasks[0].ID != after.EntityID {
		t.Fatalf("delta tasks = %+v", delta.Tasks)
	}
}

func TestPullRejectsBadSince(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	resp := h.Do("GET", "/v1/sync/pull?since=yesterday", token, nil)
	AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestPushConflictsReported(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	ghost := newChange(models.EntityTask, models.ActionUpdate, uuid.NewString(), map[string]any{"title": "x"})
	res := h.Push(token, taskCreate("ok"), ghost)
	if len(res.Applied) != 1 || len(res.Conflicts) != 1 {
		t.Fatalf("push = %+v", res)
	}
	if res.Conflicts[0].EntityID != ghost.EntityID || res.Conflicts[0].Reason == "" {
		t.Fatalf("conflict = %+v", res.Conflicts[0])
	}

	m := h.Server.metrics.Snapshot()
	if m.ChangesApplied != 1 || m.Conflicts != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestPushValidation(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	tests := []struct {
		name string
		body any
	}{
		{"empty batch", SyncRequest{}},
		{"non-uuid id", SyncRequest{Changes: []models.SyncChange{{Entity: models.EntityTask, Action: models.ActionCreate, EntityID: "t1"}}}},
		{"missing action", SyncRequest{Changes: []models.SyncChange{{Entity: models.EntityTask, EntityID: uuid.NewString()}}}},
		{"bad timestamp", map[string]any{"changes": []map[string]any{{
			"entity": "task", "action": "create", "entityId": uuid.NewString(), "clientTimestamp": "tuesday",
		}}}},
		{"data not object", map[string]any{"changes": []map[string]any{{
			"entity": "task", "action": "create", "entityId": uuid.NewString(), "data": "hello",
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Do("POST", "/v1/sync/push", token, tt.body)
			AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
		})
	}

	resp := h.Do("POST", "/v1/sync/push", token, nil)
	AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestPushRejectsOversizedBatch(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	changes := make([]models.SyncChange, sync.MaxBatch+1)
	for i := range changes {
		changes[i] = taskCreate("t")
	}
	resp := h.Do("POST", "/v1/sync/push", token, SyncRequest{Changes: changes})
	AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)

	pull := h.Pull(token, nil)
	if len(pull.Tasks) != 0 {
		t.Fatalf("oversized batch applied %d tasks", len(pull.Tasks))
	}
}

func TestFullSyncEndpoint(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	existing := taskCreate("existing")
	h.Push(token, existing)

	var res sync.FullSyncResult
	h.DoJSON("POST", "/v1/sync", token, SyncRequest{Changes: []models.SyncChange{taskCreate("new")}}, &res)
	if !res.Success || res.Pull == nil || res.Push == nil {
		t.Fatalf("full sync = %+v", res)
	}
	if len(res.Push.Applied) != 1 {
		t.Fatalf("push half = %+v", res.Push)
	}
	found := false
	for _, tk := range res.Pull.Tasks {
		if tk.ID == existing.EntityID {
			found = true
		}
	}
	if !found {
		t.Fatal("pull half missing existing task")
	}

	// Pull-only full sync with a checkpoint.
	since := monday.Add(-time.Hour)
	h.DoJSON("POST", "/v1/sync", token, SyncRequest{LastSyncAt: &since}, &res)
	if len(res.Push.Applied) != 0 {
		t.Fatalf("pull-only full sync applied %v", res.Push.Applied)
	}
}

func TestSyncStatus(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	task := taskCreate("Run")
	h.Push(token, task, instanceCreate(task.EntityID, "2026-02-16", "COMPLETED"))

	var st sync.Status
	h.DoJSON("GET", "/v1/sync/status", token, nil, &st)
	if st.Tasks != 1 || st.TaskInstances != 1 || st.LastSyncAt == nil || st.Streak.CurrentStreak != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestOwnerIsolation(t *testing.T) {
	h := newTestHarness(t)
	_, alice := h.CreateUser("alice@test.com")
	_, bob := h.CreateUser("bob@test.com")

	task := taskCreate("alice's")
	h.Push(alice, task)

	// Bob cannot see or modify Alice's task.
	if pull := h.Pull(bob, nil); len(pull.Tasks) != 0 {
		t.Fatalf("bob sees %d tasks", len(pull.Tasks))
	}
	res := h.Push(bob, newChange(models.EntityTask, models.ActionUpdate, task.EntityID, map[string]any{"title": "pwned"}))
	if len(res.Conflicts) != 1 {
		t.Fatalf("cross-owner update must conflict: %+v", res)
	}
	pull := h.Pull(alice, nil)
	if pull.Tasks[0].Title != "alice's" {
		t.Fatalf("alice's task modified: %q", pull.Tasks[0].Title)
	}
}

func TestStreakAcrossDays(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	task := taskCreate("Run")
	h.Push(token, task, instanceCreate(task.EntityID, "2026-02-16", "COMPLETED"))

	setClock(h.Server, monday.Add(24*time.Hour))
	res := h.Push(token, instanceCreate(task.EntityID, "2026-02-17", "COMPLETED"))
	if res.Streak.CurrentStreak != 2 || res.Streak.BestStreak != 2 {
		t.Fatalf("streak = %+v, want 2/2", res.Streak)
	}

	var st StreakResponse
	h.DoJSON("GET", "/v1/me/streak", token, nil, &st)
	if st.CurrentStreak != 2 || st.LastActiveDate != "2026-02-17" || st.Today != "2026-02-17" {
		t.Fatalf("streak endpoint = %+v", st)
	}
}

func TestInsightsDay(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	run, read := taskCreate("Run"), taskCreate("Read")
	h.Push(token, run, read,
		instanceCreate(run.EntityID, "2026-02-16", "COMPLETED"),
		instanceCreate(read.EntityID, "2026-02-16", "PENDING"))

	var sum insights.Summary
	h.DoJSON("GET", "/v1/insights/day", token, nil, &sum)
	if sum.Date != "2026-02-16" || sum.Total != 2 || sum.Completed != 1 || sum.Percentage != 50 || sum.Status != models.DayPartial {
		t.Fatalf("today summary = %+v", sum)
	}

	h.DoJSON("GET", "/v1/insights/day?date=yesterday", token, nil, &sum)
	if sum.Date != "2026-02-15" || sum.Status != models.DayNoTasks {
		t.Fatalf("yesterday summary = %+v", sum)
	}

	resp := h.Do("GET", "/v1/insights/day?date=someday", token, nil)
	AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestInsightsRange(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")

	run := taskCreate("Run")
	h.Push(token, run,
		instanceCreate(run.EntityID, "2026-02-14", "COMPLETED"),
		instanceCreate(run.EntityID, "2026-02-16", "SKIPPED"))

	var rr RangeResponse
	h.DoJSON("GET", "/v1/insights/range?from=2026-02-14&to=2026-02-16", token, nil, &rr)
	if len(rr.Days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(rr.Days))
	}
	want := []models.DayStatus{models.DayPerfect, models.DayNoTasks, models.DayNone}
	for i, d := range rr.Days {
		if d.Status != want[i] {
			t.Errorf("day %s status = %s, want %s", d.Date, d.Status, want[i])
		}
	}

	h.DoJSON("GET", "/v1/insights/range", token, nil, &rr)
	if rr.To != "2026-02-16" || rr.From != "2026-01-18" || len(rr.Days) != 30 {
		t.Fatalf("default range = %s..%s (%d days)", rr.From, rr.To, len(rr.Days))
	}

	for _, q := range []string{
		"from=2026-02-16&to=2026-02-14",
		"from=2024-01-01&to=2026-02-16",
		"from=nope",
	} {
		resp := h.Do("GET", "/v1/insights/range?"+q, token, nil)
		AssertErrorResponse(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
	}
}

func TestRequestTimeoutIsUnavailable(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) { cfg.RequestTimeout = time.Nanosecond })
	_, token := h.CreateUser("alice@test.com")

	resp := h.Do("GET", "/v1/sync/pull", token, nil)
	AssertErrorResponse(t, resp, http.StatusServiceUnavailable, ErrCodeUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.CreateUser("alice@test.com")
	h.Pull(token, nil)
	h.Do("GET", "/v1/sync/pull", "", nil).Body.Close()

	m := ReadJSON[MetricsSnapshot](t, h.Do("GET", "/metricz", "", nil))
	if m.PullRequests != 1 || m.ClientErrors != 1 || m.Requests < 3 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestPurgeTombstones(t *testing.T) {
	srv, store := newTestServerWithConfig(t, func(cfg *config.Config) {
		cfg.TombstoneRetention = 24 * time.Hour
	})
	_, token := createTestUser(t, store, "alice@test.com")

	task := taskCreate("gone")
	doRequest(srv, "POST", "/v1/sync/push", token, SyncRequest{Changes: []models.SyncChange{task}})
	w := doRequest(srv, "POST", "/v1/sync/push", token, SyncRequest{Changes: []models.SyncChange{
		newChange(models.EntityTask, models.ActionDelete, task.EntityID, nil),
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}

	// Within retention the tombstone survives.
	srv.purgeTombstones()
	w = doRequest(srv, "GET", "/v1/sync/pull", token, nil)
	var pull sync.PullResult
	json.NewDecoder(w.Body).Decode(&pull)
	if len(pull.Tombstones) != 1 {
		t.Fatalf("expected 1 tombstone before retention, got %d", len(pull.Tombstones))
	}

	setClock(srv, monday.Add(48*time.Hour))
	srv.purgeTombstones()
	w = doRequest(srv, "GET", "/v1/sync/pull", token, nil)
	pull = sync.PullResult{}
	json.NewDecoder(w.Body).Decode(&pull)
	if len(pull.Tombstones) != 0 {
		t.Fatalf("expected tombstone purged, got %d", len(pull.Tombstones))
	}
}

func TestSchedulerRegistersJobs(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, func(cfg *config.Config) {
		cfg.TombstoneRetention = 90 * 24 * time.Hour
		cfg.PurgeSchedule = "@daily"
	})
	c, err := srv.newScheduler()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(c.Entries()); n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}

	srv.config.TombstoneRetention = 0
	c, err = srv.newScheduler()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("retention disabled: expected 1 job, got %d", n)
	}
}

func TestStartShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewServerRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.ConflictStrategy = "vector-clock"
	if _, err := NewServer(cfg, newTestStore(t)); err == nil {
		t.Fatal("expected error for unknown conflict strategy")
	}
}
