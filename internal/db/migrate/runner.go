// Package migrate applies the embedded collector schema using golang-migrate.
package migrate

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/db"
)

// Direction is "up" or "down".
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Run applies every migration in direction. Already being at the target
// version is not an error.
func Run(dsn string, direction Direction) error {
	if direction != Up && direction != Down {
		return xerrors.Errorf("direction must be up or down, got %q", direction)
	}
	m, err := open(dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if direction == Up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !xerrors.Is(err, migrate.ErrNoChange) {
		return xerrors.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// Version returns the applied schema version and whether the last migration
// left the schema dirty. It returns 0 when nothing was applied yet.
func Version(dsn string) (version uint, dirty bool, err error) {
	m, err := open(dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err = m.Version()
	if xerrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

func open(dsn string) (*migrate.Migrate, error) {
	if dsn == "" {
		return nil, xerrors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return nil, xerrors.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return nil, xerrors.Errorf("migrate: %w", err)
	}
	return m, nil
}
