package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test file %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"010_indexes.sql":       "SELECT 10;",
		"002_notifications.sql": "SELECT 2;",
		"001_realtime.sql":      "CREATE TABLE messages (id UUID PRIMARY KEY);",
		"005_sessions.sql":      "SELECT 5;",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(migrations))
	}

	for i, want := range []int{1, 2, 5, 10} {
		if migrations[i].Version != want {
			t.Errorf("migration[%d]: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_realtime.sql" {
		t.Errorf("expected name 001_realtime.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE messages (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"readme.sql":         "-- no version prefix",
		"notes.txt":          "not a sql file",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"002_also_valid.sql": "SELECT 2;",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_a.sql": "SELECT 1;",
		"1_b.sql":   "SELECT 1;",
	})

	if _, err := NewMigrator(nil, dir).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations from empty dir, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	if _, err := NewMigrator(nil, "/nonexistent/path/that/does/not/exist").LoadMigrations(); err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	done := map[int]time.Time{1: time.Now()}

	got := pending(all, done, 0)
	if len(got) != 3 || got[0].Version != 2 {
		t.Errorf("pending(all) = %v", got)
	}

	got = pending(all, done, 3)
	if len(got) != 2 || got[len(got)-1].Version != 3 {
		t.Errorf("pending(target=3) = %v", got)
	}
}

func TestStatusOf(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := statusOf(
		[]Migration{{Version: 1, Name: "001_realtime.sql"}, {Version: 2, Name: "002_more.sql"}},
		map[int]time.Time{1: at},
	)

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %s, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}

func TestQuoteSchema(t *testing.T) {
	if _, err := quoteSchema(""); err == nil {
		t.Error("expected error for empty schema")
	}
	got, err := quoteSchema(`public"; DROP TABLE x; --`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `"public""; DROP TABLE x; --"` {
		t.Errorf("expected identifier quoting, got %s", got)
	}
}
