package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newViper(workspace string) *viper.Viper {
	v := viper.New()
	v.Set("workspace", workspace)
	return v
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(newViper(t.TempDir()), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DB.Driver != DriverSQLite || s.BasePath != "/v0" || s.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if !reflect.DeepEqual(s.AllowedOrigins, []string{"*"}) {
		t.Fatalf("unexpected origins: %v", s.AllowedOrigins)
	}
	if s.Production() {
		t.Fatalf("default environment should not be production")
	}
}

func TestLoadWorkspaceFileAndEnv(t *testing.T) {
	ws := t.TempDir()
	file := "db:\n  driver: memory\nlog_level: debug\nallowed_origins: [\"http://a.test\"]\n"
	if err := os.WriteFile(Path(ws), []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FICHE_LOG_LEVEL", "warn")
	t.Setenv("FICHE_ALLOWED_ORIGINS", "http://b.test, http://c.test")
	s, err := Load(newViper(ws), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DB.Driver != DriverMemory {
		t.Fatalf("driver from file not applied: %q", s.DB.Driver)
	}
	if s.LogLevel != "warn" {
		t.Fatalf("env should win over file, got %q", s.LogLevel)
	}
	if !reflect.DeepEqual(s.AllowedOrigins, []string{"http://b.test", "http://c.test"}) {
		t.Fatalf("unexpected origins: %v", s.AllowedOrigins)
	}
}

func TestLoadDotEnv(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, ".env"), []byte("FICHE_ENVIRONMENT=production\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("FICHE_ENVIRONMENT") })
	s, err := Load(newViper(ws), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !s.Production() {
		t.Fatalf("expected production from .env, got %q", s.Environment)
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := Load(newViper(t.TempDir()), filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Settings {
		s := &Settings{Schemas: "s.json", LogLevel: "info", BasePath: "/v0"}
		s.DB.Driver = DriverSQLite
		return s
	}
	cases := []struct {
		name   string
		mutate func(s *Settings)
		errHas string
	}{
		{"ok", func(*Settings) {}, ""},
		{"unknown driver", func(s *Settings) { s.DB.Driver = "mysql" }, "unknown db.driver"},
		{"postgres needs dsn", func(s *Settings) { s.DB.Driver = DriverPostgres }, "db.dsn is required"},
		{"postgres with dsn", func(s *Settings) { s.DB.Driver = DriverPostgres; s.DB.DSN = "host=db" }, ""},
		{"bad level", func(s *Settings) { s.LogLevel = "loud" }, "log_level"},
		{"bad base path", func(s *Settings) { s.BasePath = "v0" }, "base_path"},
		{"no schemas", func(s *Settings) { s.Schemas = "" }, "schemas"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			tc.mutate(s)
			err := s.Validate()
			if tc.errHas == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errHas) {
				t.Fatalf("expected error containing %q, got %v", tc.errHas, err)
			}
		})
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	var s Settings
	if err := yaml.Unmarshal([]byte(GenerateDefault()), &s); err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("default template does not validate: %v", err)
	}
}

func TestSchemasPath(t *testing.T) {
	s := &Settings{Workspace: "/srv/fiche", Schemas: "config/work_schemas.json"}
	if got := s.SchemasPath(); got != filepath.Join("/srv/fiche", "config/work_schemas.json") {
		t.Fatalf("unexpected path %q", got)
	}
	s.Schemas = "/etc/schemas.json"
	if got := s.SchemasPath(); got != "/etc/schemas.json" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
