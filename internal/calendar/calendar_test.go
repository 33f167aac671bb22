package calendar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riskwatch/pkg/db"
)

func newCalendarDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func seedWeekdays(t *testing.T, store *db.Database) {
	t.Helper()
	var sessions []db.TradingSession
	for dow := 1; dow <= 5; dow++ {
		sessions = append(sessions, db.TradingSession{
			DayOfWeek: dow, OpenTime: "09:15", CloseTime: "15:30", IsActive: true,
		})
	}
	if err := store.ReplaceTradingSessions(context.Background(), sessions); err != nil {
		t.Fatalf("Failed to seed sessions: %v", err)
	}
}

func newResolver(t *testing.T, store *db.Database, lead time.Duration) *Resolver {
	t.Helper()
	r, err := NewResolver(store, "Asia/Kolkata", lead)
	if err != nil {
		t.Fatalf("Failed to build resolver: %v", err)
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}
	return r
}

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("Failed to load timezone: %v", err)
	}
	return loc
}

func TestWeeklySchedule(t *testing.T) {
	store := newCalendarDB(t)
	seedWeekdays(t, store)
	r := newResolver(t, store, 0)
	loc := ist(t)

	// 2026-03-04 is a Wednesday.
	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"before open", time.Date(2026, 3, 4, 9, 0, 0, 0, loc), false},
		{"at open", time.Date(2026, 3, 4, 9, 15, 0, 0, loc), true},
		{"midday", time.Date(2026, 3, 4, 12, 0, 0, 0, loc), true},
		{"at close", time.Date(2026, 3, 4, 15, 30, 0, 0, loc), false},
		{"saturday", time.Date(2026, 3, 7, 12, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.IsOpen(tc.at); got != tc.open {
				t.Errorf("IsOpen(%s) = %v, want %v", tc.at, got, tc.open)
			}
		})
	}
}

func TestPreOpenLeadWidensWindow(t *testing.T) {
	store := newCalendarDB(t)
	seedWeekdays(t, store)
	r := newResolver(t, store, 15*time.Minute)
	loc := ist(t)

	if !r.IsOpen(time.Date(2026, 3, 4, 9, 0, 0, 0, loc)) {
		t.Error("expected open during the pre-open lead")
	}
	if r.IsOpen(time.Date(2026, 3, 4, 8, 59, 0, 0, loc)) {
		t.Error("expected closed before the lead starts")
	}
}

func TestHolidayBeatsWeeklySchedule(t *testing.T) {
	store := newCalendarDB(t)
	seedWeekdays(t, store)
	ctx := context.Background()
	err := store.UpsertHoliday(ctx, db.MarketHoliday{Day: "2026-03-04", Description: "Holi"})
	if err != nil {
		t.Fatalf("Failed to upsert holiday: %v", err)
	}
	r := newResolver(t, store, 0)
	loc := ist(t)

	st := r.Resolve(time.Date(2026, 3, 4, 12, 0, 0, 0, loc))
	if st.Open {
		t.Error("holiday must close the window")
	}
	if st.Reason != "holiday: Holi" {
		t.Errorf("unexpected reason %q", st.Reason)
	}
	// The following Thursday opens normally.
	want := time.Date(2026, 3, 5, 9, 15, 0, 0, loc)
	if !st.NextChange.Equal(want) {
		t.Errorf("expected next open %s, got %s", want, st.NextChange)
	}
}

func TestSpecialSessionBeatsWeeklySchedule(t *testing.T) {
	store := newCalendarDB(t)
	seedWeekdays(t, store)
	ctx := context.Background()
	// 2026-11-08 is a Sunday with no regular session.
	err := store.UpsertSpecialSession(ctx, db.SpecialSession{
		Day: "2026-11-08", OpenTime: "18:00", CloseTime: "19:15", Description: "Muhurat trading",
	})
	if err != nil {
		t.Fatalf("Failed to upsert special session: %v", err)
	}
	r := newResolver(t, store, 0)
	loc := ist(t)

	if !r.IsOpen(time.Date(2026, 11, 8, 18, 30, 0, 0, loc)) {
		t.Error("expected open during the special session")
	}
	if r.IsOpen(time.Date(2026, 11, 8, 12, 0, 0, 0, loc)) {
		t.Error("expected closed outside the special session")
	}
}

func TestHolidayBeatsSpecialSession(t *testing.T) {
	store := newCalendarDB(t)
	seedWeekdays(t, store)
	ctx := context.Background()
	if err := store.UpsertHoliday(ctx, db.MarketHoliday{Day: "2026-03-04", Description: "closed"}); err != nil {
		t.Fatalf("Failed to upsert holiday: %v", err)
	}
	err := store.UpsertSpecialSession(ctx, db.SpecialSession{
		Day: "2026-03-04", OpenTime: "10:00", CloseTime: "12:00",
	})
	if err != nil {
		t.Fatalf("Failed to upsert special session: %v", err)
	}
	r := newResolver(t, store, 0)

	if r.IsOpen(time.Date(2026, 3, 4, 11, 0, 0, 0, ist(t))) {
		t.Error("holiday must override the special session")
	}
}

func TestLoadAndSyncSchedule(t *testing.T) {
	store := newCalendarDB(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "schedule.yaml")
	content := `
sessions:
  - day: Monday
    open: "09:15"
    close: "15:30"
  - day: tuesday
    open: "09:15"
    close: "15:30"
holidays:
  - date: "2026-01-26"
    description: Republic Day
special_sessions:
  - date: "2026-11-08"
    open: "18:00"
    close: "19:15"
    description: Muhurat trading
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write schedule: %v", err)
	}

	file, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("Failed to load schedule: %v", err)
	}
	if err := SyncScheduleToDB(ctx, store, file); err != nil {
		t.Fatalf("Failed to sync schedule: %v", err)
	}

	sessions, err := store.ListTradingSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	holidays, _ := store.ListHolidays(ctx)
	if len(holidays) != 1 || holidays[0].Description != "Republic Day" {
		t.Errorf("unexpected holidays %+v", holidays)
	}
	special, _ := store.ListSpecialSessions(ctx)
	if len(special) != 1 || special[0].OpenTime != "18:00" {
		t.Errorf("unexpected special sessions %+v", special)
	}

	t.Run("unknown weekday rejected", func(t *testing.T) {
		bad := &ScheduleFile{Sessions: []SessionConfig{{Day: "someday", Open: "09:15", Close: "15:30"}}}
		if err := SyncScheduleToDB(ctx, store, bad); err == nil {
			t.Fatal("expected an error for an unknown weekday")
		}
	})
}
