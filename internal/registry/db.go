// Package registry maintains the set of candidate compute nodes, keeps their
// heartbeat timestamps fresh, and downgrades stale entries to offline.
//
// The registry is backed by a single-file SQLite store (modernc pure-Go
// driver, no CGO) so node records survive a coordinator restart; during normal
// operation every read and write goes through one registry-wide mutex, which
// keeps heartbeat and sweep critical sections short and trivially correct.
// The schema is embedded in the binary and applied with golang-migrate on
// startup.
package registry

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// openDB opens the SQLite store at dsn, applies pending migrations, and
// returns the ready-to-use *gorm.DB. Use ":memory:" for tests.
func openDB(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	// Open the connection manually via database/sql using the modernc driver,
	// then hand the existing *sql.DB to GORM so it does not try to open a
	// second connection with go-sqlite3.
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB, logger); err != nil {
		return nil, fmt.Errorf("registry: migrations failed: %w", err)
	}

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: failed to initialize gorm: %w", err)
	}
	return database, nil
}

// runMigrations applies all pending up-migrations from the embedded SQL files.
// ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("registry migrations applied")
	return nil
}
