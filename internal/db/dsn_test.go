package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestNormalizeDSN(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  ", ""},
		{"url kept", "postgres://u:p@localhost:5432/fiches", "postgres://u:p@localhost:5432/fiches"},
		{"quotes trimmed", `"postgresql://u@h/db"`, "postgresql://u@h/db"},
		{"kv gets sslmode", "host=db  user=u dbname=fiches", "host=db user=u dbname=fiches sslmode=disable"},
		{"kv keeps sslmode", "host=db user=u dbname=fiches sslmode=require", "host=db user=u dbname=fiches sslmode=require"},
		{"unknown left alone", "fiches.db", "fiches.db"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeDSN(tc.in); got != tc.want {
				t.Fatalf("NormalizeDSN(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMaskDSN(t *testing.T) {
	if got := MaskDSN("host=db password=secret dbname=x"); got != "host=db password=*** dbname=x" {
		t.Fatalf("kv mask: %q", got)
	}
	if got := MaskDSN("postgres://fiche:secret@db:5432/fiches"); got != "postgres://fiche:***@db:5432/fiches" {
		t.Fatalf("url mask: %q", got)
	}
}

func TestPathUsesWorkspaceDir(t *testing.T) {
	ws := t.TempDir()
	if got, want := Path(ws), filepath.Join(ws, ".fiche", "fiches.db"); got != want {
		t.Fatalf("Path = %q want %q", got, want)
	}
	conn, err := Open(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenGormSQLiteDefaultIsSharedInMemory(t *testing.T) {
	first, err := OpenGormSQLite("", false)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := OpenGormSQLite("", false)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	t.Cleanup(func() {
		for _, conn := range []interface{ DB() (*sql.DB, error) }{first, second} {
			if sqlDB, err := conn.DB(); err == nil {
				sqlDB.Close()
			}
		}
	})
	if err := first.Exec("CREATE TABLE shared_default_marker(id INTEGER)").Error; err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { first.Exec("DROP TABLE shared_default_marker") })
	if !second.Migrator().HasTable("shared_default_marker") {
		t.Fatalf("expected the default database to be shared across connections")
	}
}
