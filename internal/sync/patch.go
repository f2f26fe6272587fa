package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/models"
)

// field is one optional key of a change's data object. Set is false when
// the key was absent; Null is true for an explicit JSON null.
type field[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func decodeField[T any](raw map[string]json.RawMessage, key string, f *field[T]) error {
	msg, ok := raw[key]
	if !ok {
		return nil
	}
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		f.Null = true
		return nil
	}
	if err := json.Unmarshal(msg, &f.Value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// value returns the decoded value, rejecting null for required fields.
func (f field[T]) value(key string) (T, error) {
	if f.Null {
		var zero T
		return zero, fmt.Errorf("%s cannot be null", key)
	}
	return f.Value, nil
}

func rawData(data json.RawMessage) (map[string]json.RawMessage, error) {
	raw := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return raw, nil
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return raw, nil
}

type blockPatch struct {
	Label     field[string]
	SortOrder field[int]
	Weekdays  field[models.Weekdays]
}

func decodeBlockPatch(data json.RawMessage) (*blockPatch, error) {
	raw, err := rawData(data)
	if err != nil {
		return nil, err
	}
	p := &blockPatch{}
	for _, err := range []error{
		decodeField(raw, "label", &p.Label),
		decodeField(raw, "sortOrder", &p.SortOrder),
		decodeField(raw, "weekdays", &p.Weekdays),
	} {
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *blockPatch) apply(b *models.Block) error {
	if p.Label.Set {
		v, err := p.Label.value("label")
		if err != nil {
			return err
		}
		b.Label = v
	}
	if p.SortOrder.Set {
		v, err := p.SortOrder.value("sortOrder")
		if err != nil {
			return err
		}
		b.SortOrder = v
	}
	if p.Weekdays.Set {
		v, err := p.Weekdays.value("weekdays")
		if err != nil {
			return err
		}
		if !v.Valid() {
			return fmt.Errorf("weekdays must be in 0..6")
		}
		b.Weekdays = v.Normalize()
	}
	return nil
}

type taskPatch struct {
	BlockID   field[string]
	Title     field[string]
	IsOneOff  field[bool]
	DueDate   field[string]
	Weekdays  field[models.Weekdays]
	SkipDays  field[int]
	ResetDays field[int]
	SortOrder field[int]
	Archived  field[bool]
}

func decodeTaskPatch(data json.RawMessage) (*taskPatch, error) {
	raw, err := rawData(data)
	if err != nil {
		return nil, err
	}
	p := &taskPatch{}
	for _, err := range []error{
		decodeField(raw, "blockId", &p.BlockID),
		decodeField(raw, "title", &p.Title),
		decodeField(raw, "isOneOff", &p.IsOneOff),
		decodeField(raw, "dueDate", &p.DueDate),
		decodeField(raw, "weekdays", &p.Weekdays),
		decodeField(raw, "skipDays", &p.SkipDays),
		decodeField(raw, "resetDays", &p.ResetDays),
		decodeField(raw, "sortOrder", &p.SortOrder),
		decodeField(raw, "archived", &p.Archived),
	} {
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// referencedBlock returns the block id the patch points the task at, if any.
func (p *taskPatch) referencedBlock() string {
	if p.BlockID.Set && !p.BlockID.Null {
		return p.BlockID.Value
	}
	return ""
}

func (p *taskPatch) apply(t *models.Task, now time.Time) error {
	if p.BlockID.Set {
		t.BlockID = p.BlockID.Value
	}
	if p.Title.Set {
		v, err := p.Title.value("title")
		if err != nil {
			return err
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("title cannot be empty")
		}
		t.Title = v
	}
	if p.IsOneOff.Set {
		v, err := p.IsOneOff.value("isOneOff")
		if err != nil {
			return err
		}
		t.IsOneOff = v
	}
	if p.DueDate.Set {
		if !p.DueDate.Null && !day.Valid(p.DueDate.Value) {
			return fmt.Errorf("dueDate %q is not YYYY-MM-DD", p.DueDate.Value)
		}
		t.DueDate = p.DueDate.Value
	}
	if p.Weekdays.Set {
		v, err := p.Weekdays.value("weekdays")
		if err != nil {
			return err
		}
		if !v.Valid() {
			return fmt.Errorf("weekdays must be in 0..6")
		}
		t.Weekdays = v.Normalize()
	}
	for _, f := range []struct {
		key string
		src field[int]
		dst *int
	}{
		{"skipDays", p.SkipDays, &t.SkipDays},
		{"resetDays", p.ResetDays, &t.ResetDays},
		{"sortOrder", p.SortOrder, &t.SortOrder},
	} {
		if !f.src.Set {
			continue
		}
		v, err := f.src.value(f.key)
		if err != nil {
			return err
		}
		if v < 0 && f.key != "sortOrder" {
			return fmt.Errorf("%s cannot be negative", f.key)
		}
		*f.dst = v
	}
	if p.Archived.Set {
		switch {
		case p.Archived.Value && t.ArchivedAt == nil:
			at := now.UTC()
			t.ArchivedAt = &at
		case !p.Archived.Value:
			t.ArchivedAt = nil
		}
	}
	if t.IsOneOff && t.DueDate == "" {
		return fmt.Errorf("one-off task requires dueDate")
	}
	return nil
}

type instancePatch struct {
	TaskID      field[string]
	Date        field[string]
	Status      field[models.InstanceStatus]
	Notes       field[string]
	CompletedAt field[time.Time]
}

func decodeInstancePatch(data json.RawMessage) (*instancePatch, error) {
	raw, err := rawData(data)
	if err != nil {
		return nil, err
	}
	p := &instancePatch{}
	for _, err := range []error{
		decodeField(raw, "taskId", &p.TaskID),
		decodeField(raw, "date", &p.Date),
		decodeField(raw, "status", &p.Status),
		decodeField(raw, "notes", &p.Notes),
		decodeField(raw, "completedAt", &p.CompletedAt),
	} {
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// key returns the (taskId, date) the patch addresses, empty when absent.
func (p *instancePatch) key() (string, string) {
	var taskID, date string
	if p.TaskID.Set && !p.TaskID.Null {
		taskID = p.TaskID.Value
	}
	if p.Date.Set && !p.Date.Null {
		date = p.Date.Value
	}
	return taskID, date
}

// apply merges the patch into ti. completedAt follows status: it is set
// when the instance becomes COMPLETED (from the patch, the client timestamp
// or now) and cleared for any other status.
func (p *instancePatch) apply(ti *models.TaskInstance, clientTS *time.Time, now time.Time) error {
	if p.Notes.Set {
		ti.Notes = p.Notes.Value
	}
	if p.Status.Set {
		v, err := p.Status.value("status")
		if err != nil {
			return err
		}
		if !v.IsValid() {
			return fmt.Errorf("unknown status %q", v)
		}
		ti.Status = v
	}
	switch {
	case ti.Status != models.StatusCompleted:
		ti.CompletedAt = nil
	case p.CompletedAt.Set && !p.CompletedAt.Null:
		at := p.CompletedAt.Value.UTC()
		ti.CompletedAt = &at
	case ti.CompletedAt == nil && clientTS != nil:
		at := clientTS.UTC()
		ti.CompletedAt = &at
	case ti.CompletedAt == nil:
		at := now.UTC()
		ti.CompletedAt = &at
	}
	return nil
}
