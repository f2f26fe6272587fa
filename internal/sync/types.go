package sync

import (
	"encoding/json"
	"time"

	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
)

// PullResult is the server response to a pull request.
type PullResult struct {
	Blocks        []*models.Block        `json:"blocks"`
	Tasks         []*models.Task         `json:"tasks"`
	TaskInstances []*models.TaskInstance `json:"taskInstances"`
	Tombstones    []serverdb.Tombstone   `json:"tombstones"`
	SyncTimestamp time.Time              `json:"syncTimestamp"`
	HasMore       bool                   `json:"hasMore"`
}

// PushResult is the server response to a push request.
type PushResult struct {
	Applied   []string            `json:"applied"`
	Conflicts []Conflict          `json:"conflicts"`
	Streak    *models.StreakState `json:"streak,omitempty"`
}

// Conflict explains why a single change was not applied.
type Conflict struct {
	Entity     models.EntityType `json:"entity"`
	EntityID   string            `json:"entityId"`
	Reason     string            `json:"reason"`
	ServerData any               `json:"serverData,omitempty"`
	ClientData json.RawMessage   `json:"clientData,omitempty"`
}

// FullSyncResult combines a pull and a push.
type FullSyncResult struct {
	Success         bool        `json:"success"`
	Pull            *PullResult `json:"pull"`
	Push            *PushResult `json:"push"`
	ServerTimestamp time.Time   `json:"serverTimestamp"`
}

// Status summarizes an owner's synced state.
type Status struct {
	serverdb.OwnerCounts
	LastSyncAt *time.Time         `json:"lastSyncAt,omitempty"`
	Streak     models.StreakState `json:"streak"`
}
