package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
	"github.com/marcus/loops/internal/sync"
)

// runCLI executes the root command against dbPath and returns its stdout.
func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	jsonOutput, configPath, dbOverride = false, "", ""
	t.Cleanup(func() { jsonOutput, configPath, dbOverride = false, "", "" })
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--db", dbPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores every flag to its default; cobra keeps values between
// Execute calls on the same command tree.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func mustRun(t *testing.T, dbPath string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, dbPath, args...)
	if err != nil {
		t.Fatalf("loops %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func tempDB(t *testing.T) string {
	t.Helper()
	t.Chdir(t.TempDir())
	return filepath.Join(t.TempDir(), "loops.db")
}

// seedPerfectToday gives the user one task completed on their current day.
func seedPerfectToday(t *testing.T, dbPath, email string) string {
	t.Helper()
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	u, err := lookupUser(store, email)
	if err != nil {
		t.Fatal(err)
	}
	today := day.Today(time.Now(), day.LoadLocation(u.Timezone), u.DayCutoffHour)
	taskID := uuid.NewString()
	task, _ := json.Marshal(map[string]any{"title": "stretch"})
	inst, _ := json.Marshal(map[string]any{"taskId": taskID, "date": today, "status": "completed"})

	svc := sync.NewService(store, sync.Options{})
	res, err := svc.Push(context.Background(), u.ID, []models.SyncChange{
		{Entity: models.EntityTask, EntityID: taskID, Action: models.ActionCreate, Data: task},
		{Entity: models.EntityTaskInstance, EntityID: uuid.NewString(), Action: models.ActionCreate, Data: inst},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", res.Conflicts)
	}
	return today
}

func TestUserCreateAndList(t *testing.T) {
	dbPath := tempDB(t)

	out := mustRun(t, dbPath, "user", "create", "ada@example.com", "--timezone", "Europe/Berlin", "--day-cutoff", "4")
	if !strings.Contains(out, "created user ada@example.com") {
		t.Errorf("unexpected create output: %q", out)
	}

	out = mustRun(t, dbPath, "--json", "user", "list")
	var users []struct {
		Email    string `json:"email"`
		Timezone string `json:"timezone"`
		Current  int    `json:"currentStreak"`
	}
	if err := json.Unmarshal([]byte(out), &users); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(users) != 1 || users[0].Email != "ada@example.com" || users[0].Timezone != "Europe/Berlin" {
		t.Errorf("users = %+v", users)
	}

	if _, err := runCLI(t, dbPath, "user", "create", "ada@example.com"); err == nil {
		t.Error("expected duplicate email to fail")
	}
}

func TestKeyLifecycle(t *testing.T) {
	dbPath := tempDB(t)
	mustRun(t, dbPath, "user", "create", "ada@example.com")

	out := mustRun(t, dbPath, "--json", "key", "create", "ada@example.com", "--name", "phone", "--expires", "30d")
	var created struct {
		ID        string     `json:"id"`
		Key       string     `json:"key"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !strings.HasPrefix(created.Key, "lp_live_") {
		t.Errorf("key = %q, want lp_live_ prefix", created.Key)
	}
	if created.ExpiresAt == nil || created.ExpiresAt.Before(time.Now().Add(29*24*time.Hour)) {
		t.Errorf("expiresAt = %v, want ~30 days out", created.ExpiresAt)
	}

	out = mustRun(t, dbPath, "key", "list", "ada@example.com")
	if !strings.Contains(out, created.ID) || !strings.Contains(out, "phone") || !strings.Contains(out, "never used") {
		t.Errorf("key list missing key: %q", out)
	}

	mustRun(t, dbPath, "key", "revoke", "ada@example.com", created.ID)

	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, _, err := store.VerifyAPIKey(created.Key); err == nil {
		t.Error("revoked key still verifies")
	}
}

func TestKeyCreateBadExpiry(t *testing.T) {
	dbPath := tempDB(t)
	mustRun(t, dbPath, "user", "create", "ada@example.com")

	_, err := runCLI(t, dbPath, "key", "create", "ada@example.com", "--expires", "soon")
	if err == nil || !strings.Contains(err.Error(), "--expires") {
		t.Errorf("expected --expires error, got %v", err)
	}
}

func TestUnknownUser(t *testing.T) {
	dbPath := tempDB(t)

	for _, args := range [][]string{
		{"key", "create", "ghost@example.com"},
		{"streak", "ghost@example.com"},
		{"day", "ghost@example.com"},
		{"range", "ghost@example.com"},
	} {
		t.Run(args[0], func(t *testing.T) {
			_, err := runCLI(t, dbPath, args...)
			if !errors.Is(err, serverdb.ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestStreakAndDay(t *testing.T) {
	dbPath := tempDB(t)
	mustRun(t, dbPath, "user", "create", "ada@example.com")

	out := mustRun(t, dbPath, "streak", "ada@example.com")
	if !strings.Contains(out, "no perfect days yet") {
		t.Errorf("fresh user streak: %q", out)
	}

	today := seedPerfectToday(t, dbPath, "ada@example.com")

	out = mustRun(t, dbPath, "--json", "streak", "ada@example.com", "--recompute")
	var st struct {
		models.StreakState
		Today string `json:"today"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if st.CurrentStreak != 1 || st.BestStreak != 1 || st.LastActiveDate != today || st.Today != today {
		t.Errorf("streak = %+v, want 1/1 on %s", st, today)
	}

	out = mustRun(t, dbPath, "--json", "day", "ada@example.com", today)
	var sum struct {
		Date       string           `json:"date"`
		Status     models.DayStatus `json:"status"`
		Percentage int              `json:"percentage"`
	}
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if sum.Date != today || sum.Status != models.DayPerfect || sum.Percentage != 100 {
		t.Errorf("day summary = %+v", sum)
	}

	out = mustRun(t, dbPath, "day", "ada@example.com", "yesterday")
	if !strings.Contains(out, string(models.DayNoTasks)) {
		t.Errorf("yesterday should have no tasks: %q", out)
	}

	if _, err := runCLI(t, dbPath, "day", "ada@example.com", "someday"); err == nil {
		t.Error("expected bad date to fail")
	}
}

func TestRangeHeatmap(t *testing.T) {
	dbPath := tempDB(t)
	mustRun(t, dbPath, "user", "create", "ada@example.com")
	today := seedPerfectToday(t, dbPath, "ada@example.com")

	out := mustRun(t, dbPath, "--json", "range", "ada@example.com", "--from=-6d")
	var rng struct {
		From string `json:"from"`
		To   string `json:"to"`
		Days []struct {
			Date   string           `json:"date"`
			Status models.DayStatus `json:"status"`
		} `json:"days"`
	}
	if err := json.Unmarshal([]byte(out), &rng); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if rng.To != today || len(rng.Days) != 7 {
		t.Fatalf("range = %s..%s with %d days", rng.From, rng.To, len(rng.Days))
	}
	if last := rng.Days[6]; last.Date != today || last.Status != models.DayPerfect {
		t.Errorf("last day = %+v", last)
	}

	out = mustRun(t, dbPath, "range", "ada@example.com")
	for _, want := range []string{"Mon", "Sun", "TOTALS:"} {
		if !strings.Contains(out, want) {
			t.Errorf("heatmap output missing %q:\n%s", want, out)
		}
	}
}

func TestRateLimitsCommand(t *testing.T) {
	dbPath := tempDB(t)

	out := mustRun(t, dbPath, "ratelimits")
	if !strings.Contains(out, "no rate limited requests") {
		t.Errorf("empty output = %q", out)
	}

	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store.InsertRateLimitEvent(ctx, "ak_1", "10.0.0.1", "push", time.Now().Add(-time.Hour))
	store.InsertRateLimitEvent(ctx, "ak_2", "10.0.0.2", "pull", time.Now().Add(-3*24*time.Hour))
	store.Close()

	out = mustRun(t, dbPath, "ratelimits")
	if !strings.Contains(out, "ak_1") || strings.Contains(out, "ak_2") {
		t.Errorf("default window should hold only ak_1: %q", out)
	}

	out = mustRun(t, dbPath, "--json", "ratelimits", "--since", "7d")
	var events []serverdb.RateLimitEvent
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(events) != 2 || events[0].KeyID != "ak_1" {
		t.Errorf("events = %+v", events)
	}
}
