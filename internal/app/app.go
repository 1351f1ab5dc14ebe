package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"fichecontact/internal/config"
	"fichecontact/internal/db"
	"fichecontact/internal/engine"
	"fichecontact/internal/migrate"
	"fichecontact/internal/repo"
	"fichecontact/internal/schemas"
)

// App holds the wired components shared by the CLI commands.
type App struct {
	Settings *config.Settings
	Engine   engine.Engine
	Schemas  *schemas.Store
	Log      *slog.Logger

	closers []func() error
}

// Close releases the database connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open loads the schema catalogue, opens and migrates the configured store
// and builds the engine on top of both.
func Open(ctx context.Context, s *config.Settings, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := schemas.Load(s.SchemasPath())
	if err != nil {
		return nil, err
	}
	a := &App{Settings: s, Schemas: store, Log: log}
	r, err := a.openRepository(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine.New(r, store, log)
	log.Info("store ready", "driver", s.DB.Driver, "schemas", store.Path(), "works", store.Works())
	return a, nil
}

func (a *App) openRepository(ctx context.Context) (engine.Repository, error) {
	s := a.Settings
	switch s.DB.Driver {
	case config.DriverMemory:
		return repo.NewMemory(), nil
	case config.DriverSQLite:
		conn, err := db.Open(db.Config{Workspace: s.Workspace, DSN: s.DB.DSN})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		if err := pingSQL(ctx, conn); err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repo.Repo{DB: conn}, nil
	case config.DriverPostgres, config.DriverGormSQLite:
		var conn *gorm.DB
		var err error
		if s.DB.Driver == config.DriverPostgres {
			conn, err = db.OpenPostgres(db.GormConfig{DSN: s.DB.DSN, Log: a.Log, Debug: s.LogLevel == "debug"})
		} else {
			conn, err = db.OpenGormSQLite(s.DB.DSN, s.LogLevel == "debug")
		}
		if err != nil {
			return nil, err
		}
		if sqlDB, err := conn.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		if err := migrate.AutoMigrate(conn.WithContext(ctx)); err != nil {
			return nil, err
		}
		return repo.GormRepo{DB: conn}, nil
	default:
		return nil, fmt.Errorf("unknown db.driver %q", s.DB.Driver)
	}
}

func pingSQL(ctx context.Context, conn *sql.DB) error {
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}
