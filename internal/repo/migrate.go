package repo

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Migration is one versioned schema change. Versions start at 1 and
// increase by exactly one. Down is optional and never run by ApplyPending.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx Tx) error
	Down    func(ctx context.Context, tx Tx) error
}

// ValidateMigrations checks that versions, in any order, run 1..n with no
// gaps or duplicates and that every migration has a forward action.
func ValidateMigrations(migrations []Migration) error {
	_, err := sortMigrations(migrations)
	return err
}

// sortMigrations validates migrations and returns a copy ordered by
// version. The input slice is left untouched.
func sortMigrations(migrations []Migration) ([]Migration, error) {
	sorted := slices.Clone(migrations)
	slices.SortStableFunc(sorted, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i, m := range sorted {
		want := i + 1
		if m.Version != want {
			return nil, &MigrationError{
				Version: m.Version,
				Err:     fmt.Errorf("%w: expected version %d at position %d", ErrMigrationConfig, want, i),
			}
		}
		if m.Up == nil {
			return nil, &MigrationError{Version: m.Version, Err: fmt.Errorf("%w: missing Up", ErrMigrationConfig)}
		}
	}
	return sorted, nil
}

// ApplyPending applies every migration whose version is above the stored
// schema version in ascending version order, each in its own transaction.
// It stops at the first failure, leaving the schema at the last committed
// version, and returns the number of migrations applied.
func ApplyPending(ctx context.Context, st Store, migrations []Migration) (int, error) {
	migrations, err := sortMigrations(migrations)
	if err != nil {
		return 0, err
	}
	if err := EnsureSchemaVersionTable(ctx, st); err != nil {
		return 0, &MigrationError{Err: err}
	}
	current, err := ReadSchemaVersion(ctx, st)
	if err != nil {
		return 0, &MigrationError{Err: err}
	}

	log := zerolog.Ctx(ctx)
	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := st.WithTx(ctx, func(tx Tx) error {
			if err := m.Up(ctx, tx); err != nil {
				return err
			}
			return WriteSchemaVersion(ctx, tx, m.Version, time.Now().UTC())
		})
		if err != nil {
			log.Error().Err(err).Int("version", m.Version).Str("name", m.Name).Msg("migration failed")
			return applied, &MigrationError{Version: m.Version, Err: err}
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
		applied++
	}
	return applied, nil
}

// EnsureSchemaVersionTable creates the bookkeeping table if it is missing.
func EnsureSchemaVersionTable(ctx context.Context, st Store) error {
	ts := "TIMESTAMP"
	if st.Dialect() == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	_, err := st.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL,
		applied_at `+ts+` NOT NULL
	)`)
	return err
}

// ReadSchemaVersion returns the stored schema version, or 0 for a fresh
// database.
func ReadSchemaVersion(ctx context.Context, q Querier) (int, error) {
	rows, err := q.Query(ctx, `SELECT version FROM schema_version WHERE id = 1`)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	v, err := AsInt64(rows[0]["version"])
	return int(v), err
}

// WriteSchemaVersion records version as the current schema version. The
// version never decreases.
func WriteSchemaVersion(ctx context.Context, q Querier, version int, at time.Time) error {
	current, err := ReadSchemaVersion(ctx, q)
	if err != nil {
		return err
	}
	if version < current {
		return fmt.Errorf("schema version would decrease from %d to %d", current, version)
	}
	res, err := q.Exec(ctx, `UPDATE schema_version SET version = ?, applied_at = ? WHERE id = 1`, version, at)
	if err != nil {
		return err
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err = q.Exec(ctx, `INSERT INTO schema_version (id, version, applied_at) VALUES (1, ?, ?)`, version, at)
	return err
}
