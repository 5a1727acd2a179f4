package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	gomigrate "github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"tessera.dev/internal/obs"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var migrations embed.FS

// Manager applies the embedded SQL migrations. It is not safe for concurrent use
// and takes ownership of db.
type Manager struct {
	db              *sql.DB
	migrationsTable string
	inst            *gomigrate.Migrate
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// NewManager constructs a Manager over an open pgx connection pool.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) instance() (*gomigrate.Migrate, error) {
	if m.inst != nil {
		return m.inst, nil
	}
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(m.db, &pgxmigrate.Config{MigrationsTable: m.migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("create migrate driver: %w", err)
	}
	inst, err := gomigrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.inst = inst
	return inst, nil
}

// Close releases the migration connection and db.
func (m *Manager) Close() error {
	var srcErr, drvErr error
	if m.inst != nil {
		srcErr, drvErr = m.inst.Close()
	}
	return errors.Join(srcErr, drvErr, m.db.Close())
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Manager) Up() error {
	inst, err := m.instance()
	if err != nil {
		return err
	}
	before, dirty, err := version(inst)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, force a version first", before)
	}
	if err := inst.Up(); err != nil && !errors.Is(err, gomigrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	after, _, err := version(inst)
	if err != nil {
		return err
	}
	obs.Logger().Info("migrations_applied", "from", before, "to", after)
	return nil
}

// Steps moves n migrations forward, or back when n is negative.
func (m *Manager) Steps(n int) error {
	inst, err := m.instance()
	if err != nil {
		return err
	}
	if err := inst.Steps(n); err != nil && !errors.Is(err, gomigrate.ErrNoChange) {
		return fmt.Errorf("migrate %d steps: %w", n, err)
	}
	return nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down() error {
	v, _, err := m.Version()
	if err != nil {
		return err
	}
	if v == 0 {
		return errors.New("no migrations applied")
	}
	return m.Steps(-1)
}

// Version reports the applied version. Zero means nothing has been applied.
func (m *Manager) Version() (uint, bool, error) {
	inst, err := m.instance()
	if err != nil {
		return 0, false, err
	}
	return version(inst)
}

// Force records v as the applied version without running anything.
func (m *Manager) Force(v int) error {
	inst, err := m.instance()
	if err != nil {
		return err
	}
	return inst.Force(v)
}

func version(inst *gomigrate.Migrate) (uint, bool, error) {
	v, dirty, err := inst.Version()
	if errors.Is(err, gomigrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
