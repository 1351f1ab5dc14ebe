package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverGormSQLite = "gorm-sqlite"
	DriverMemory     = "memory"
)

// Settings is the effective configuration of the CLI and the HTTP server.
type Settings struct {
	Workspace string `mapstructure:"workspace" yaml:"workspace"`
	DB        struct {
		Driver string `mapstructure:"driver" yaml:"driver"`
		DSN    string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"db" yaml:"db"`
	Schemas        string   `mapstructure:"schemas" yaml:"schemas"`
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	BasePath       string   `mapstructure:"base_path" yaml:"base_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	LogLevel       string   `mapstructure:"log_level" yaml:"log_level"`
	Environment    string   `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults registers every key so environment variables can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "")
	v.SetDefault("schemas", filepath.Join("config", "work_schemas.json"))
	v.SetDefault("addr", "127.0.0.1:8000")
	v.SetDefault("base_path", "/v0")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")
}

// Load resolves settings from defaults, the workspace fiche.yml (or
// configFile), the workspace .env file, FICHE_* variables and any flags
// already bound on v, in increasing priority.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	SetDefaults(v)
	v.SetEnvPrefix("FICHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	workspace := v.GetString("workspace")
	if err := loadDotEnv(filepath.Join(workspace, ".env")); err != nil {
		return nil, err
	}
	path := configFile
	if path == "" {
		path = Path(workspace)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	s.AllowedOrigins = splitOrigins(s.AllowedOrigins)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	// Variables already present in the environment win over the file.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// splitOrigins accepts both a YAML list and a comma separated value.
func splitOrigins(in []string) []string {
	out := []string{}
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

// Validate ensures the settings can be used to open a store and serve.
func (s *Settings) Validate() error {
	switch s.DB.Driver {
	case DriverSQLite, DriverGormSQLite, DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(s.DB.DSN) == "" {
			return fmt.Errorf("db.dsn is required for driver %s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown db.driver %q (want sqlite, postgres, gorm-sqlite or memory)", s.DB.Driver)
	}
	if s.Schemas == "" {
		return fmt.Errorf("schemas path is required")
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", s.LogLevel)
	}
	if s.BasePath != "" && !strings.HasPrefix(s.BasePath, "/") {
		return fmt.Errorf("base_path must start with '/'")
	}
	return nil
}

// Production reports whether the JSON log format and stricter defaults apply.
func (s *Settings) Production() bool {
	return strings.EqualFold(s.Environment, "production")
}

// SchemasPath resolves a relative schemas path against the workspace.
func (s *Settings) SchemasPath() string {
	if filepath.IsAbs(s.Schemas) || s.Workspace == "" || s.Workspace == "." {
		return s.Schemas
	}
	return filepath.Join(s.Workspace, s.Schemas)
}

// YAML renders the settings the way fiche.yml expects them.
func (s *Settings) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fiche.yml")
}

// GenerateDefault returns a starter fiche.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# fiche.yml
db:
  driver: sqlite
  # dsn: "host=localhost user=fiche password=fiche dbname=fiches port=5432"

schemas: config/work_schemas.json

addr: 127.0.0.1:8000
base_path: /v0
allowed_origins:
  - "*"

log_level: info
environment: development
`
