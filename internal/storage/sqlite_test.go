package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string, finished time.Time, results ...race.Result) race.Record {
	return race.Record{
		RaceID:     race.RaceID(id),
		Text:       "the quick brown fox",
		CreatedAt:  finished.Add(-time.Minute),
		StartedAt:  finished.Add(-50 * time.Second),
		FinishedAt: finished,
		Results:    results,
	}
}

func TestStoreOpenClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestStoreSaveAndLoadRace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	finished := time.UnixMilli(1767225600000)

	rec := testRecord("r1", finished,
		race.Result{UserID: "a", DisplayName: "Ann", Rank: 1, WPM: 82.5, Accuracy: 99, DurationMs: 30000, CharsCorrect: 19},
		race.Result{UserID: "b", DisplayName: "Bo", Rank: 2, CharsCorrect: 7, DNF: true},
	)
	if err := store.SaveRaceResult(ctx, rec); err != nil {
		t.Fatalf("SaveRaceResult() failed: %v", err)
	}

	got, err := store.RaceByID(ctx, "r1")
	if err != nil {
		t.Fatalf("RaceByID() failed: %v", err)
	}
	if got == nil {
		t.Fatal("RaceByID() returned nil for a saved race")
	}
	if !got.FinishedAt.Equal(finished) || !got.StartedAt.Equal(rec.StartedAt) {
		t.Errorf("timestamps = %v/%v, want %v/%v", got.StartedAt, got.FinishedAt, rec.StartedAt, finished)
	}
	if len(got.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got.Results))
	}
	if got.Results[0] != rec.Results[0] || got.Results[1] != rec.Results[1] {
		t.Errorf("results = %+v, want %+v", got.Results, rec.Results)
	}
}

func TestStoreRaceByIDMissing(t *testing.T) {
	store := openTestStore(t)

	got, err := store.RaceByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("RaceByID() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for unknown race, got %+v", got)
	}
}

func TestStoreSaveIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	rec := testRecord("r1", time.UnixMilli(1000000),
		race.Result{UserID: "a", Rank: 1, WPM: 50},
		race.Result{UserID: "b", Rank: 2, WPM: 40},
	)

	for i := 0; i < 2; i++ {
		if err := store.SaveRaceResult(ctx, rec); err != nil {
			t.Fatalf("SaveRaceResult() attempt %d failed: %v", i+1, err)
		}
	}

	got, _ := store.RaceByID(ctx, "r1")
	if len(got.Results) != 2 {
		t.Errorf("Expected 2 results after a repeated save, got %d", len(got.Results))
	}
}

func TestStoreRecentRaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1767225600000)

	for i := 0; i < 5; i++ {
		rec := testRecord(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute),
			race.Result{UserID: "a", DisplayName: "Ann", Rank: 1, WPM: float64(60 + i)},
			race.Result{UserID: "b", DisplayName: "Bo", Rank: 2, WPM: 30},
		)
		if err := store.SaveRaceResult(ctx, rec); err != nil {
			t.Fatalf("SaveRaceResult() failed: %v", err)
		}
	}

	races, err := store.RecentRaces(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRaces() failed: %v", err)
	}
	if len(races) != 3 {
		t.Fatalf("Expected 3 races with limit, got %d", len(races))
	}
	if races[0].RaceID != "r4" || races[2].RaceID != "r2" {
		t.Errorf("races not newest first: %v, %v, %v", races[0].RaceID, races[1].RaceID, races[2].RaceID)
	}
	if races[0].Players != 2 || races[0].WinnerID != "a" || races[0].WinnerWPM != 64 {
		t.Errorf("summary = %+v, want 2 players won by a at 64", races[0])
	}
}

func TestStoreUserHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1767225600000)

	store.SaveRaceResult(ctx, testRecord("r1", base,
		race.Result{UserID: "a", Rank: 1, WPM: 70},
		race.Result{UserID: "b", Rank: 2, WPM: 50},
	))
	store.SaveRaceResult(ctx, testRecord("r2", base.Add(time.Minute),
		race.Result{UserID: "c", Rank: 1, WPM: 90},
		race.Result{UserID: "a", Rank: 2, DNF: true},
	))

	history, err := store.UserHistory(ctx, "a", 10)
	if err != nil {
		t.Fatalf("UserHistory() failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].RaceID != "r2" || !history[0].DNF || history[0].Rank != 2 {
		t.Errorf("newest entry = %+v, want r2 DNF rank 2", history[0])
	}
	if history[1].WPM != 70 || history[1].Players != 2 {
		t.Errorf("oldest entry = %+v", history[1])
	}

	none, err := store.UserHistory(ctx, "ghost", 10)
	if err != nil {
		t.Fatalf("UserHistory() failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected empty history, got %d entries", len(none))
	}
}

func TestStoreAverageWPM(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1767225600000)

	if _, ok, err := store.AverageWPM(ctx, "a"); err != nil || ok {
		t.Fatalf("AverageWPM() for new user = ok %v, err %v; want no history", ok, err)
	}

	// 12 completed races; only the newest skillWindow count.
	for i := 0; i < 12; i++ {
		wpm := 100.0
		if i < 2 {
			wpm = 10
		}
		store.SaveRaceResult(ctx, testRecord(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute),
			race.Result{UserID: "a", Rank: 1, WPM: wpm},
		))
	}
	// A DNF is ignored even though it is the newest.
	store.SaveRaceResult(ctx, testRecord("dnf", base.Add(time.Hour),
		race.Result{UserID: "a", Rank: 1, DNF: true},
	))

	avg, ok, err := store.AverageWPM(ctx, "a")
	if err != nil {
		t.Fatalf("AverageWPM() failed: %v", err)
	}
	if !ok || avg != 100 {
		t.Errorf("AverageWPM() = %v, %v; want 100, true", avg, ok)
	}
}

func TestStoreOnlyDNFHasNoAverage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.SaveRaceResult(ctx, testRecord("r1", time.UnixMilli(1000000),
		race.Result{UserID: "a", Rank: 1, DNF: true},
	))

	if _, ok, err := store.AverageWPM(ctx, "a"); err != nil || ok {
		t.Errorf("AverageWPM() = ok %v, err %v; want no usable history", ok, err)
	}
}

func TestStoreNestedPath(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "deep", "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() with nested path failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created in nested directory")
	}
}
