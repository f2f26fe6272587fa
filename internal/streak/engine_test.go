package streak

import (
	"context"
	"database/sql"
	"errors"
	gosync "sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
)

func setupEngineDB(t *testing.T) *serverdb.ServerDB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db, err := serverdb.New(conn)
	if err != nil {
		conn.Close()
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type engineFixture struct {
	db    *serverdb.ServerDB
	eng   *Engine
	clk   *clock
	owner string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := setupEngineDB(t)
	u, err := db.CreateUser("streak@test.com")
	if err != nil {
		t.Fatal(err)
	}
	clk := &clock{t: time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)}
	f := &engineFixture{db: db, clk: clk, owner: u.ID}
	f.eng = NewEngine(db, clk.now)
	for _, id := range []string{"run", "read"} {
		task := &models.Task{ID: id, OwnerID: u.ID, Title: id, Weekdays: models.Weekdays{1, 3, 5}}
		if err := serverdb.InsertTask(context.Background(), db.Conn(), task, clk.t); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *engineFixture) mark(t *testing.T, taskID, date string, st models.InstanceStatus) {
	t.Helper()
	ctx := context.Background()
	ti, _, err := serverdb.GetOrCreateInstance(ctx, f.db.Conn(),
		&models.TaskInstance{ID: taskID + "-" + date, OwnerID: f.owner, TaskID: taskID, Date: date}, f.clk.t)
	if err != nil {
		t.Fatal(err)
	}
	ti.Status = st
	if err := serverdb.UpdateInstance(ctx, f.db.Conn(), ti, f.clk.t); err != nil {
		t.Fatal(err)
	}
}

func (f *engineFixture) recompute(t *testing.T) models.StreakState {
	t.Helper()
	s, err := f.eng.Recompute(context.Background(), f.owner)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	return s
}

func TestRecompute_MonWedAcrossEmptyTuesday(t *testing.T) {
	f := newEngineFixture(t)

	f.mark(t, "run", mon, models.StatusCompleted)
	if s := f.recompute(t); s.CurrentStreak != 1 {
		t.Fatalf("monday: got %+v", s)
	}

	f.clk.t = f.clk.t.AddDate(0, 0, 2)
	f.mark(t, "run", wed, models.StatusCompleted)
	s := f.recompute(t)
	if s.CurrentStreak != 2 || s.LastActiveDate != wed {
		t.Fatalf("wednesday: got %+v, want current 2 ending %s", s, wed)
	}

	u, err := serverdb.GetUser(context.Background(), f.db.Conn(), f.owner)
	if err != nil {
		t.Fatal(err)
	}
	if u.Streak() != s {
		t.Fatalf("persisted %+v, returned %+v", u.Streak(), s)
	}
}

func TestRecompute_SkippedTuesday(t *testing.T) {
	f := newEngineFixture(t)
	f.mark(t, "run", mon, models.StatusCompleted)
	f.recompute(t)

	f.clk.t = f.clk.t.AddDate(0, 0, 1)
	f.mark(t, "read", tue, models.StatusSkipped)
	if s := f.recompute(t); s.CurrentStreak != 1 || s.LastActiveDate != mon {
		t.Fatalf("all-skipped tuesday must not touch state: %+v", s)
	}

	f.clk.t = f.clk.t.AddDate(0, 0, 1)
	f.mark(t, "run", wed, models.StatusCompleted)
	if s := f.recompute(t); s.CurrentStreak != 2 {
		t.Fatalf("got %+v, want 2", s)
	}
}

func TestRecompute_IgnoredScheduledDayBreaks(t *testing.T) {
	f := newEngineFixture(t)
	f.mark(t, "run", mon, models.StatusCompleted)
	f.mark(t, "read", mon, models.StatusCompleted)
	f.recompute(t)

	// Wednesday and Friday were scheduled and never opened.
	f.clk.t = f.clk.t.AddDate(0, 0, 7)
	next := "2026-02-23"
	f.mark(t, "run", next, models.StatusCompleted)
	f.mark(t, "read", next, models.StatusCompleted)
	s := f.recompute(t)
	if s.CurrentStreak != 1 || s.BestStreak != 1 || s.LastActiveDate != next {
		t.Fatalf("got %+v, want a fresh streak on %s", s, next)
	}
}

func TestRecompute_ArchivedTaskNoLongerSchedules(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.mark(t, "run", mon, models.StatusCompleted)
	f.mark(t, "read", mon, models.StatusCompleted)
	f.recompute(t)

	for _, id := range []string{"run", "read"} {
		task, err := serverdb.GetTask(ctx, f.db.Conn(), f.owner, id)
		if err != nil {
			t.Fatal(err)
		}
		archived := f.clk.t
		task.ArchivedAt = &archived
		if err := serverdb.UpdateTask(ctx, f.db.Conn(), task, f.clk.t); err != nil {
			t.Fatal(err)
		}
	}
	walk := &models.Task{ID: "walk", OwnerID: f.owner, Title: "walk", Weekdays: models.Weekdays{4}}
	if err := serverdb.InsertTask(ctx, f.db.Conn(), walk, f.clk.t); err != nil {
		t.Fatal(err)
	}

	f.clk.t = f.clk.t.AddDate(0, 0, 3)
	f.mark(t, "walk", thu, models.StatusCompleted)
	if s := f.recompute(t); s.CurrentStreak != 2 {
		t.Fatalf("archived loops must not break the streak: %+v", s)
	}
}

func TestRecompute_IdempotentWithoutChanges(t *testing.T) {
	f := newEngineFixture(t)
	f.mark(t, "run", mon, models.StatusCompleted)
	first := f.recompute(t)
	second := f.recompute(t)
	if first != second {
		t.Fatalf("state drifted: %+v -> %+v", first, second)
	}
}

func TestRecompute_DayCutoff(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.db.SetUserCalendar(f.owner, "UTC", 3); err != nil {
		t.Fatal(err)
	}
	// 01:30 on Tuesday is still Monday with a 03:00 cutoff.
	f.clk.t = time.Date(2026, 2, 17, 1, 30, 0, 0, time.UTC)
	f.mark(t, "run", mon, models.StatusCompleted)
	s := f.recompute(t)
	if s.LastActiveDate != mon || s.CurrentStreak != 1 {
		t.Fatalf("got %+v, want perfect %s", s, mon)
	}
}

func TestRecompute_MissingUser(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.eng.Recompute(context.Background(), "u_gone")
	if !errors.Is(err, serverdb.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRecompute_ConcurrentCallsAgree(t *testing.T) {
	f := newEngineFixture(t)
	f.mark(t, "run", mon, models.StatusCompleted)

	var wg gosync.WaitGroup
	results := make([]models.StreakState, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.eng.Recompute(context.Background(), f.owner)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("call %d returned %+v, call 0 returned %+v", i, results[i], results[0])
		}
	}
	if f.eng.locks.size() != 0 {
		t.Fatalf("lock table not drained: %d", f.eng.locks.size())
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	other := k.Lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second Lock(a) acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}
