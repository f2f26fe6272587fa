package sync

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/marcus/loops/internal/models"
)

// MaxBatch is the largest accepted push batch.
const MaxBatch = 1000

// ValidationError is a structurally invalid request. Nothing was applied.
type ValidationError struct {
	Index  int // -1 when the batch as a whole is invalid
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return e.Reason
	}
	return fmt.Sprintf("changes[%d]: %s", e.Index, e.Reason)
}

// ValidateChanges checks the shape of a push batch. Unknown entity or action
// values pass: they are reported per item by the Processor.
func ValidateChanges(changes []models.SyncChange) error {
	if len(changes) == 0 {
		return &ValidationError{Index: -1, Reason: "changes array is empty"}
	}
	if len(changes) > MaxBatch {
		return &ValidationError{Index: -1, Reason: fmt.Sprintf("batch size %d exceeds max %d", len(changes), MaxBatch)}
	}
	for i, ch := range changes {
		if ch.Entity == "" {
			return &ValidationError{Index: i, Reason: "entity is required"}
		}
		if ch.Action == "" {
			return &ValidationError{Index: i, Reason: "action is required"}
		}
		if _, err := uuid.Parse(ch.EntityID); err != nil {
			return &ValidationError{Index: i, Reason: fmt.Sprintf("entityId %q is not a uuid", ch.EntityID)}
		}
		data := bytes.TrimSpace(ch.Data)
		if len(data) > 0 && !bytes.Equal(data, []byte("null")) && data[0] != '{' {
			return &ValidationError{Index: i, Reason: "data must be an object"}
		}
	}
	return nil
}
