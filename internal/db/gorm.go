package db

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormConfig controls how OpenPostgres connects.
type GormConfig struct {
	DSN     string
	Retries int
	Wait    time.Duration
	Debug   bool
	Log     *slog.Logger
}

var passwordRe = regexp.MustCompile(`(password=)([^\s]+)`)
var urlPasswordRe = regexp.MustCompile(`(://[^:/@]+:)([^@]+)(@)`)

// MaskDSN hides the password of a key=value or URL style DSN.
func MaskDSN(dsn string) string {
	masked := passwordRe.ReplaceAllString(dsn, `${1}***`)
	return urlPasswordRe.ReplaceAllString(masked, `${1}***${3}`)
}

func gormConfig(debug bool) *gorm.Config {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return &gorm.Config{Logger: logger.Default.LogMode(level)}
}

// OpenPostgres connects with retries, then checks the connection with SELECT 1.
func OpenPostgres(cfg GormConfig) (*gorm.DB, error) {
	dsn := NormalizeDSN(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 10
	}
	wait := cfg.Wait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	var conn *gorm.DB
	var err error
	for i := 0; i < retries; i++ {
		conn, err = gorm.Open(postgres.Open(dsn), gormConfig(cfg.Debug))
		if err == nil {
			break
		}
		log.Warn("retrying database connection", "attempt", i+1, "error", err)
		time.Sleep(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database after retries: %w", err)
	}
	if err := conn.Exec("SELECT 1").Error; err != nil {
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	log.Info("database connected", "driver", "postgres", "dsn", MaskDSN(dsn))
	return conn, nil
}

// OpenGormSQLite opens a SQLite database through GORM. An empty dsn gives an
// in-memory database shared by every connection of the process.
func OpenGormSQLite(dsn string, debug bool) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	conn, err := gorm.Open(sqlite.Open(dsn), gormConfig(debug))
	if err != nil {
		return nil, err
	}
	if err := conn.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return conn, nil
}
