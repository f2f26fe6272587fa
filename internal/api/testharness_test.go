package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/loops/internal/config"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
	"github.com/marcus/loops/internal/sync"
)

// TestHarness wraps a full Server with a real HTTP listener for integration tests.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *serverdb.ServerDB
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

// newTestHarness creates a TestHarness with a real HTTP server on a random port.
func newTestHarness(t *testing.T, opts ...func(*config.Config)) *TestHarness {
	t.Helper()

	srv, store := newTestServerWithConfig(t, func(cfg *config.Config) {
		for _, opt := range opts {
			opt(cfg)
		}
	})
	httpSrv := httptest.NewServer(srv.routes())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		Store:   store,
		BaseURL: httpSrv.URL,
		client:  &http.Client{},
		httpSrv: httpSrv,
	}
	t.Cleanup(httpSrv.Close)
	return h
}

// Do sends an HTTP request and returns the response.
// Caller must close resp.Body unless using assertion helpers (AssertStatus,
// AssertErrorResponse, ReadJSON) which close it automatically.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var rdr io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		rdr = &buf
	}

	req, err := http.NewRequest(method, h.BaseURL+path, rdr)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("do request %s %s: %v", method, path, err)
	}
	return resp
}

// DoJSON sends an HTTP request and decodes the JSON response into out.
// Fatals if the response status is >= 400 or if JSON decoding fails.
func (h *TestHarness) DoJSON(method, path, token string, body any, out any) *http.Response {
	h.t.Helper()

	resp := h.Do(method, path, token, body)
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("DoJSON %s %s: expected success, got %d: %s", method, path, resp.StatusCode, respBody)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
	return resp
}

// CreateUser creates a user with an API key.
func (h *TestHarness) CreateUser(email string) (userID, token string) {
	h.t.Helper()
	return createTestUser(h.t, h.Store, email)
}

// Push sends changes to /v1/sync/push and returns the decoded result.
func (h *TestHarness) Push(token string, changes ...models.SyncChange) sync.PushResult {
	h.t.Helper()
	var out sync.PushResult
	h.DoJSON("POST", "/v1/sync/push", token, SyncRequest{Changes: changes}, &out)
	return out
}

// Pull calls /v1/sync/pull, optionally with a since checkpoint.
func (h *TestHarness) Pull(token string, since *time.Time) sync.PullResult {
	h.t.Helper()
	path := "/v1/sync/pull"
	if since != nil {
		path += "?since=" + since.UTC().Format(time.RFC3339Nano)
	}
	var out sync.PullResult
	h.DoJSON("GET", path, token, nil, &out)
	return out
}

// --- Change builders ---

func newChange(entity models.EntityType, action models.Action, id string, data map[string]any) models.SyncChange {
	ch := models.SyncChange{Entity: entity, EntityID: id, Action: action}
	if data != nil {
		raw, _ := json.Marshal(data)
		ch.Data = raw
	}
	return ch
}

func taskCreate(title string) models.SyncChange {
	return newChange(models.EntityTask, models.ActionCreate, uuid.NewString(), map[string]any{"title": title})
}

func instanceCreate(taskID, date, status string) models.SyncChange {
	return newChange(models.EntityTaskInstance, models.ActionCreate, uuid.NewString(),
		map[string]any{"taskId": taskID, "date": date, "status": status})
}

// --- Response assertion helpers ---

// AssertStatus checks the HTTP status code matches expected. Reads and closes the body on failure.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", expected, resp.StatusCode, string(body))
	}
}

// AssertErrorResponse checks the response has the expected status and error code.
func AssertErrorResponse(t *testing.T, resp *http.Response, expectedStatus int, expectedCode string) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.StatusCode, string(body))
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q: %s", expectedCode, errResp.Error.Code, errResp.Error.Message)
	}
}

// ReadJSON decodes a JSON response body into the given type.
func ReadJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json response: %v", err)
	}
	return out
}

// testClock is a settable clock for Server.now.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

// newTestStore opens a file-backed store so the harness exercises the
// production driver and migrations.
func newTestStore(t *testing.T) *serverdb.ServerDB {
	t.Helper()
	store, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
