package main

import (
	"bytes"
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/00quasr/sokudo-sub009/internal/identity"
	"github.com/00quasr/sokudo-sub009/internal/race"
	"github.com/00quasr/sokudo-sub009/internal/storage"
)

func TestPlayIdentityFromQuery(t *testing.T) {
	id, wsURL, err := playIdentity("ws://localhost:8080/ws", "", "alice", "")
	if err != nil {
		t.Fatalf("playIdentity() failed: %v", err)
	}
	if id.UserID != "alice" || id.DisplayName != "alice" {
		t.Errorf("identity = %+v", id)
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("url.Parse() failed: %v", err)
	}
	if u.Query().Get("userId") != "alice" || u.Query().Get("userName") != "alice" {
		t.Errorf("url = %s", wsURL)
	}

	if _, _, err := playIdentity("ws://localhost:8080/ws", "", "", ""); err == nil {
		t.Errorf("playIdentity() without token or user should fail")
	}
}

func TestPlayIdentityFromToken(t *testing.T) {
	p, err := identity.NewJWTProvider(identity.JWTConfig{Secret: []byte("0123456789abcdef"), Issuer: "sokudo"})
	if err != nil {
		t.Fatalf("NewJWTProvider() failed: %v", err)
	}
	tok, err := p.Issue("bob", "Bob", time.Hour)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	id, wsURL, err := playIdentity("ws://race.example/ws", tok, "ignored", "")
	if err != nil {
		t.Fatalf("playIdentity() failed: %v", err)
	}
	if id.UserID != "bob" || id.DisplayName != "Bob" {
		t.Errorf("identity = %+v", id)
	}
	if wsURL != "ws://race.example/ws" {
		t.Errorf("url = %s, want it unchanged", wsURL)
	}
}

func TestPrintResults(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	finished := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	err = store.SaveRaceResult(ctx, race.Record{
		RaceID:     "race-1",
		Text:       "go fast",
		CreatedAt:  finished.Add(-time.Minute),
		StartedAt:  finished.Add(-30 * time.Second),
		FinishedAt: finished,
		Results: []race.Result{
			{UserID: "ann", DisplayName: "Ann", Rank: 1, WPM: 80, Accuracy: 99, DurationMs: 5000, CharsCorrect: 7},
			{UserID: "bob", DisplayName: "Bob", Rank: 2, DNF: true, CharsCorrect: 3},
		},
	})
	if err != nil {
		t.Fatalf("SaveRaceResult() failed: %v", err)
	}

	var buf bytes.Buffer
	if err := printRecent(ctx, &buf, store, 10); err != nil {
		t.Fatalf("printRecent() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "race-1") || !strings.Contains(buf.String(), "Ann") {
		t.Errorf("printRecent() output:\n%s", buf.String())
	}

	buf.Reset()
	if err := printHistory(ctx, &buf, store, "bob", 10); err != nil {
		t.Fatalf("printHistory() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "DNF") {
		t.Errorf("printHistory() output:\n%s", buf.String())
	}

	buf.Reset()
	if err := printRace(ctx, &buf, store, "race-1"); err != nil {
		t.Fatalf("printRace() failed: %v", err)
	}
	if !strings.Contains(buf.String(), "#1") || !strings.Contains(buf.String(), "5s") {
		t.Errorf("printRace() output:\n%s", buf.String())
	}

	if err := printRace(ctx, &buf, store, "missing"); err == nil {
		t.Errorf("printRace() of a missing race should fail")
	}
}

func TestPortOf(t *testing.T) {
	tests := map[string]string{
		":2222":         "2222",
		"0.0.0.0:23234": "23234",
		"[::1]:2022":    "2022",
		"localhost":     "localhost",
	}
	for in, want := range tests {
		if got := portOf(in); got != want {
			t.Errorf("portOf(%q) = %q, want %q", in, got, want)
		}
	}
}
