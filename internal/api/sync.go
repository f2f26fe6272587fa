package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus/loops/internal/models"
)

// SyncRequest is the JSON body for POST /v1/sync/push and POST /v1/sync.
// LastSyncAt is only read by full sync, where it is the pull checkpoint.
type SyncRequest struct {
	LastSyncAt *time.Time          `json:"lastSyncAt,omitempty"`
	Changes    []models.SyncChange `json:"changes"`
}

// decodeSyncRequest reads a SyncRequest. Unparsable timestamps fail the
// JSON decode and reject the whole request.
func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (*SyncRequest, bool) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return nil, false
	}
	return &req, true
}

// parseSince reads an optional RFC 3339 timestamp query parameter.
func parseSince(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

// handleSyncPull handles GET /v1/sync/pull.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	since, err := parseSince(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	res, err := s.sync.Pull(r.Context(), user.UserID, since)
	if err != nil {
		writeServiceError(w, r, "pull", err)
		return
	}
	s.metrics.RecordPullRequest()
	writeJSON(w, http.StatusOK, res)
}

// handleSyncPush handles POST /v1/sync/push.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}

	res, err := s.sync.Push(r.Context(), user.UserID, req.Changes)
	if err != nil {
		writeServiceError(w, r, "push", err)
		return
	}
	s.metrics.RecordPush(len(res.Applied), len(res.Conflicts))
	writeJSON(w, http.StatusOK, res)
}

// handleFullSync handles POST /v1/sync: pull since lastSyncAt and push the
// given changes in one round trip.
func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}

	res, err := s.sync.FullSync(r.Context(), user.UserID, req.Changes, req.LastSyncAt)
	if err != nil {
		writeServiceError(w, r, "full sync", err)
		return
	}
	s.metrics.RecordPullRequest()
	s.metrics.RecordPush(len(res.Push.Applied), len(res.Push.Conflicts))
	writeJSON(w, http.StatusOK, res)
}

// handleSyncStatus handles GET /v1/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	st, err := s.sync.Status(r.Context(), user.UserID)
	if err != nil {
		writeServiceError(w, r, "sync status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
