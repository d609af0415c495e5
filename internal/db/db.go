// Package db owns the server's persistence plumbing: opening the SQLite or
// PostgreSQL connection, applying the embedded schema migrations, and the
// gorm models the repositories in internal/store are built on.
//
// SQLite runs through the modernc pure-Go driver, so the server binary needs
// no CGO. Migrations ship inside the binary and run on every startup;
// a database that is already current is a no-op.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the modernc driver as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres pool tuning. SQLite gets a single connection instead, see
// openSQLite.
const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 30 * time.Minute
)

// Config holds the configuration required to open a database connection.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the database, applies pending migrations, and returns the
// ready-to-use gorm handle.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}
	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		database *gorm.DB
		driver   string
		err      error
	)
	switch cfg.Driver {
	case "sqlite", "":
		driver = "sqlite"
		database, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		driver = "postgres"
		database, err = openPostgres(cfg.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	if err := migrateUp(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}
	return database, nil
}

// openSQLite opens the file through database/sql with the modernc driver and
// hands the live connection to gorm, so gorm never reaches for go-sqlite3.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	conn.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: conn}, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: failed to initialize gorm with sqlite: %w", err)
	}
	return database, nil
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pgMaxOpenConns)
	sqlDB.SetMaxIdleConns(pgMaxIdleConns)
	sqlDB.SetConnMaxLifetime(pgConnMaxLifetime)
	return database, nil
}

// Ping verifies that the database connection is still alive. Used by the
// health endpoint.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateUp applies all pending up-migrations from the embedded SQL files.
// ErrNoChange counts as success.
func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		instance, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", instance)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	case "postgres":
		instance, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", instance)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	default:
		return fmt.Errorf("no migration driver for %q", driver)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	log.Info("database migrations applied")
	return nil
}
