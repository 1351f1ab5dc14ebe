package migrate

import (
	"testing"
	"testing/fstest"

	"fichecontact/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	for _, table := range []string{"fiches", "works_planned", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestReadMigrationsRejectsBadNames(t *testing.T) {
	_, err := readMigrations(fstest.MapFS{
		"sql/init.sql": {Data: []byte("SELECT 1;")},
	})
	if err == nil {
		t.Fatalf("expected invalid filename error")
	}
	_, err = readMigrations(fstest.MapFS{
		"sql/001_a.sql": {Data: []byte("SELECT 1;")},
		"sql/001_b.sql": {Data: []byte("SELECT 2;")},
	})
	if err == nil {
		t.Fatalf("expected duplicate version error")
	}
}

func TestReadMigrationsSorts(t *testing.T) {
	ms, err := readMigrations(fstest.MapFS{
		"sql/010_late.sql": {Data: []byte("SELECT 10;")},
		"sql/002_mid.sql":  {Data: []byte("SELECT 2;")},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ms) != 2 || ms[0].Version != 2 || ms[1].Version != 10 {
		t.Fatalf("unexpected order: %+v", ms)
	}
}
