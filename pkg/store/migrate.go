package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrator builds a migrate instance over the embedded migrations for the
// active dialect.
func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return nil, fmt.Errorf("store: load embedded migrations: %w", err)
	}

	var drv database.Driver
	switch s.driver {
	case DriverPostgres:
		drv, err = postgres.WithInstance(s.db, &postgres.Config{})
	default:
		drv, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, drv)
	if err != nil {
		return nil, fmt.Errorf("store: migrate init: %w", err)
	}
	return m, nil
}

// EnsureSchema applies the embedded migrations for the active dialect.
// It refuses to run against a database whose recorded schema version is
// newer than the versions shipped in this binary, or one left dirty by an
// interrupted migration.
func (s *Store) EnsureSchema() error {
	m, err := s.migrator()
	if err != nil {
		return err
	}

	known := latestSchemaVersion("migrations/" + s.driver)
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("store: schema version %d is dirty, refusing to start", version)
	}
	if uint64(version) > known {
		return fmt.Errorf("store: schema version %d is newer than this binary supports (%d), refusing to start", version, known)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the migration version recorded in the database and
// whether an interrupted migration left it dirty. Version zero means no
// migration has run yet.
func (s *Store) SchemaVersion() (uint64, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: read schema version: %w", err)
	}
	return uint64(version), dirty, nil
}

// latestSchemaVersion is the highest numeric prefix among the embedded
// migration files for one dialect.
func latestSchemaVersion(dir string) uint64 {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return 0
	}
	var latest uint64
	for _, entry := range entries {
		name := entry.Name()
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest
}
