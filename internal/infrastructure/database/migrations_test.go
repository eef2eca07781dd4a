package database

import (
	"context"
	"testing"
	"testing/fstest"
	"time"
)

func testSource() Source {
	return Source{
		FS: fstest.MapFS{
			"sql/20260301_090000_parts.up.sql":    {Data: []byte("CREATE TABLE parts (id INTEGER PRIMARY KEY, label TEXT NOT NULL);")},
			"sql/20260301_090000_parts.down.sql":  {Data: []byte("DROP TABLE parts;")},
			"sql/20260302_090000_shifts.up.sql":   {Data: []byte("CREATE TABLE shifts (id INTEGER PRIMARY KEY);")},
			"sql/20260302_090000_shifts.down.sql": {Data: []byte("DROP TABLE shifts;")},
			"sql/README.md":                       {Data: []byte("ignored")},
		},
		Dir: "sql",
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx, testSource()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "parts") || !tableExists(t, db, "shifts") {
		t.Fatal("migrated tables missing")
	}

	applied, pending, err := db.MigrationStatus(ctx, testSource())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2 and 0", len(applied), len(pending))
	}
	if applied[0].Version != "20260301_090000" {
		t.Errorf("first applied = %s, want 20260301_090000", applied[0].Version)
	}

	if err := db.Migrate(ctx, testSource()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx, testSource()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, testSource()); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	if tableExists(t, db, "shifts") {
		t.Error("latest migration not rolled back")
	}
	if !tableExists(t, db, "parts") {
		t.Error("earlier migration rolled back too")
	}

	_, pending, err := db.MigrationStatus(ctx, testSource())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "shifts" {
		t.Errorf("pending = %+v, want shifts", pending)
	}
}

func TestMigrateFailureStopsAtBadMigration(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	src := Source{FS: fstest.MapFS{
		"20260301_090000_good.up.sql": {Data: []byte("CREATE TABLE good (id INTEGER);")},
		"20260302_090000_bad.up.sql":  {Data: []byte("CREATE TABLE;")},
		"20260303_090000_late.up.sql": {Data: []byte("CREATE TABLE late (id INTEGER);")},
	}}

	ctx := context.Background()
	if err := db.Migrate(ctx, src); err == nil {
		t.Fatal("Migrate() should fail on invalid SQL")
	}
	if !tableExists(t, db, "good") {
		t.Error("migration before the failure was not kept")
	}
	if tableExists(t, db, "late") {
		t.Error("migration after the failure was applied")
	}
}

func TestMigrateNoSource(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), Source{}); err != nil {
		t.Fatalf("Migrate() with no source error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantIsUp    bool
		wantOk      bool
	}{
		{"up", "20260118_120000_history.up.sql", "20260118_120000", true, true},
		{"down", "20260118_120000_history.down.sql", "20260118_120000", false, true},
		{"not sql", "readme.txt", "", false, false},
		{"missing direction", "20260118_120000_history.sql", "", false, false},
		{"invalid format", "invalid.up.sql", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && (version != tt.wantVersion || isUp != tt.wantIsUp) {
				t.Errorf("got (%q, %v), want (%q, %v)", version, isUp, tt.wantVersion, tt.wantIsUp)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20260118_120000_history.up.sql", "history"},
		{"20260118_120000_step_executions.down.sql", "step_executions"},
	}

	for _, tt := range tests {
		if got := extractMigrationName(tt.filename); got != tt.want {
			t.Errorf("extractMigrationName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
