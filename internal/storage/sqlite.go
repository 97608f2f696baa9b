// Package storage provides SQLite-based persistence for race results.
// Uses the pure-Go modernc.org/sqlite driver to avoid CGO dependencies.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

// skillWindow is how many recent completed races feed a user's average.
const skillWindow = 10

// Store manages the SQLite database connection for race persistence.
type Store struct {
	db *sql.DB
}

// RaceSummary is one row of the recent races listing.
type RaceSummary struct {
	RaceID     race.RaceID
	Text       string
	FinishedAt time.Time
	Players    int
	WinnerID   race.UserID
	WinnerName string
	WinnerWPM  float64
}

// HistoryEntry is one race from a user's point of view.
type HistoryEntry struct {
	RaceID     race.RaceID
	FinishedAt time.Time
	Rank       int
	Players    int
	WPM        float64
	Accuracy   float64
	DNF        bool
}

// Open creates or opens a SQLite database at the given path.
// It creates the parent directories if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	// Expand ~ to home directory
	if dbPath != "" && dbPath[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("storage: cannot expand home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: cannot create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the coordinator and CLI readers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: cannot connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
// Timestamps are unix milliseconds.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS races (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			race_id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_races_finished ON races(finished_at DESC);

		CREATE TABLE IF NOT EXISTS race_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			race_id TEXT NOT NULL REFERENCES races(race_id),
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			rank INTEGER NOT NULL,
			wpm REAL NOT NULL DEFAULT 0,
			accuracy REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			chars_correct INTEGER NOT NULL DEFAULT 0,
			dnf INTEGER NOT NULL DEFAULT 0,
			UNIQUE(race_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_race_results_user ON race_results(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRaceResult stores a finished race and its ranked results in one
// transaction. Saving the same race twice is a no-op, so the coordinator
// can retry after a timeout without duplicating rows.
func (s *Store) SaveRaceResult(ctx context.Context, rec race.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: cannot begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO races (race_id, text, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(race_id) DO NOTHING`,
		string(rec.RaceID), rec.Text,
		toMillis(rec.CreatedAt), toMillis(rec.StartedAt), toMillis(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: cannot save race: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO race_results
		 (race_id, user_id, user_name, rank, wpm, accuracy, duration_ms, chars_correct, dnf)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("storage: cannot prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rec.Results {
		if _, err := stmt.ExecContext(ctx,
			string(rec.RaceID), string(r.UserID), r.DisplayName, r.Rank,
			r.WPM, r.Accuracy, r.DurationMs, r.CharsCorrect, r.DNF,
		); err != nil {
			return fmt.Errorf("storage: cannot save result for %s: %w", r.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: cannot commit race: %w", err)
	}
	return nil
}

// RaceByID retrieves a stored race with its results in rank order.
// Returns nil if the race does not exist.
func (s *Store) RaceByID(ctx context.Context, id race.RaceID) (*race.Record, error) {
	rec := race.Record{RaceID: id}
	var created, started, finished int64

	err := s.db.QueryRowContext(ctx,
		`SELECT text, created_at, started_at, finished_at FROM races WHERE race_id = ?`,
		string(id),
	).Scan(&rec.Text, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query race: %w", err)
	}
	rec.CreatedAt = fromMillis(created)
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = fromMillis(finished)

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_name, rank, wpm, accuracy, duration_ms, chars_correct, dnf
		 FROM race_results
		 WHERE race_id = ?
		 ORDER BY rank`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r race.Result
		var uid string
		if err := rows.Scan(&uid, &r.DisplayName, &r.Rank, &r.WPM, &r.Accuracy,
			&r.DurationMs, &r.CharsCorrect, &r.DNF); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		r.UserID = race.UserID(uid)
		rec.Results = append(rec.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return &rec, nil
}

// RecentRaces lists the most recently finished races with their winners.
func (s *Store) RecentRaces(ctx context.Context, limit int) ([]RaceSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.race_id, r.text, r.finished_at,
		        (SELECT COUNT(*) FROM race_results c WHERE c.race_id = r.race_id),
		        COALESCE(w.user_id, ''), COALESCE(w.user_name, ''), COALESCE(w.wpm, 0)
		 FROM races r
		 LEFT JOIN race_results w ON w.race_id = r.race_id AND w.rank = 1
		 ORDER BY r.finished_at DESC, r.id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query races: %w", err)
	}
	defer rows.Close()

	var summaries []RaceSummary
	for rows.Next() {
		var sum RaceSummary
		var id, winner string
		var finished int64
		if err := rows.Scan(&id, &sum.Text, &finished, &sum.Players,
			&winner, &sum.WinnerName, &sum.WinnerWPM); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		sum.RaceID = race.RaceID(id)
		sum.WinnerID = race.UserID(winner)
		sum.FinishedAt = fromMillis(finished)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return summaries, nil
}

// UserHistory retrieves the races a user took part in, newest first.
func (s *Store) UserHistory(ctx context.Context, userID race.UserID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rr.race_id, r.finished_at, rr.rank,
		        (SELECT COUNT(*) FROM race_results c WHERE c.race_id = rr.race_id),
		        rr.wpm, rr.accuracy, rr.dnf
		 FROM race_results rr
		 JOIN races r ON r.race_id = rr.race_id
		 WHERE rr.user_id = ?
		 ORDER BY r.finished_at DESC, r.id DESC
		 LIMIT ?`,
		string(userID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cannot query user history: %w", err)
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var id string
		var finished int64
		if err := rows.Scan(&id, &finished, &e.Rank, &e.Players, &e.WPM, &e.Accuracy, &e.DNF); err != nil {
			return nil, fmt.Errorf("storage: cannot scan row: %w", err)
		}
		e.RaceID = race.RaceID(id)
		e.FinishedAt = fromMillis(finished)
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration error: %w", err)
	}

	return history, nil
}

// AverageWPM implements coordinator.SkillLookup. It averages the user's
// last completed races; DNF rows are not counted.
func (s *Store) AverageWPM(ctx context.Context, userID race.UserID) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(wpm) FROM (
			SELECT rr.wpm
			FROM race_results rr
			JOIN races r ON r.race_id = rr.race_id
			WHERE rr.user_id = ? AND rr.dnf = 0
			ORDER BY r.finished_at DESC, r.id DESC
			LIMIT ?
		)`,
		string(userID), skillWindow,
	).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("storage: cannot query average wpm: %w", err)
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

// Ensure Store satisfies the coordinator's collaborators.
var (
	_ coordinator.ResultSink  = (*Store)(nil)
	_ coordinator.SkillLookup = (*Store)(nil)
)

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
