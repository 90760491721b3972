package store

import (
	"testing"
	"time"
)

func TestNewJanitorValidation(t *testing.T) {
	fs, err := NewFSArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db := &Store{}

	if _, err := NewJanitor(nil, fs, "@daily", time.Hour, nil); err == nil {
		t.Fatalf("nil store must be rejected")
	}
	if _, err := NewJanitor(db, fs, "not a cron spec", time.Hour, nil); err == nil {
		t.Fatalf("invalid cron spec must be rejected")
	}
	if _, err := NewJanitor(db, fs, "@daily", 0, nil); err == nil {
		t.Fatalf("zero retention must be rejected")
	}
	if _, err := NewJanitor(db, fs, "0 3 * * *", 30*24*time.Hour, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJanitorSchedule(t *testing.T) {
	fs, err := NewFSArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j, err := NewJanitor(&Store{}, fs, "0 3 * * *", time.Hour, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	next := j.NextRun(after)
	want := time.Date(2026, 8, 29, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next sweep at %v, got %v", want, next)
	}
	if second := j.NextRun(next); !second.After(next) {
		t.Fatalf("schedule must advance, got %v then %v", next, second)
	}
}
