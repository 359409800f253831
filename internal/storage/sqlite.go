package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding build records and their linkages.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "carbbuild.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Builds ---

const buildColumns = `key, spec, repeat_count, version, dihedral, status, fail_reason,
	companion_built, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (Build, error) {
	var b Build
	var companion int
	var createdAt, updatedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&b.Key, &b.Spec, &b.RepeatCount, &b.Version, &b.Dihedral, &b.Status,
		&b.FailReason, &companion, &createdAt, &updatedAt, &finishedAt); err != nil {
		return Build{}, err
	}
	b.CompanionBuilt = companion != 0

	var err error
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Build{}, fmt.Errorf("parsing created_at for build %s: %w", b.Key, err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Build{}, fmt.Errorf("parsing updated_at for build %s: %w", b.Key, err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		if b.FinishedAt, err = time.Parse(time.RFC3339, finishedAt.String); err != nil {
			return Build{}, fmt.Errorf("parsing finished_at for build %s: %w", b.Key, err)
		}
	}
	return b, nil
}

// FindBuild returns the build stored under key, with its linkages.
func (s *Store) FindBuild(ctx context.Context, key string) (Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	if b.Linkages, err = s.linkages(ctx, key); err != nil {
		return Build{}, err
	}
	return b, nil
}

func (s *Store) linkages(ctx context.Context, key string) ([]Linkage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, first_residue_id, first_residue, first_position, second_position,
			second_residue_id, second_residue, phi, psi, extra_angles
		FROM linkages WHERE build_key = ? ORDER BY seq ASC`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("querying linkages for build %s: %w", key, err)
	}
	defer rows.Close()

	var results []Linkage
	for rows.Next() {
		var l Linkage
		var extra string
		if err := rows.Scan(&l.ID, &l.Seq, &l.FirstResidueID, &l.FirstResidue, &l.FirstPosition,
			&l.SecondPosition, &l.SecondResidueID, &l.SecondResidue, &l.Phi, &l.Psi, &extra); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(extra), &l.ExtraAngles); err != nil {
			return nil, fmt.Errorf("decoding extra angles for build %s: %w", key, err)
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// SaveBuild inserts b or replaces the stored record with the same key. The
// stored linkages are replaced by b.Linkages.
func (s *Store) SaveBuild(ctx context.Context, b Build) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	status := b.Status
	if status == "" {
		status = StatusPending
	}
	var finishedAt any
	if !b.FinishedAt.IsZero() {
		finishedAt = b.FinishedAt.UTC().Format(time.RFC3339)
	}
	companion := 0
	if b.CompanionBuilt {
		companion = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO builds (`+buildColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			fail_reason = excluded.fail_reason,
			companion_built = excluded.companion_built,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		b.Key, b.Spec, b.RepeatCount, b.Version, b.Dihedral, status, b.FailReason, companion,
		b.CreatedAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339), finishedAt,
	); err != nil {
		return fmt.Errorf("saving build %s: %w", b.Key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM linkages WHERE build_key = ?`, b.Key); err != nil {
		return fmt.Errorf("clearing linkages for build %s: %w", b.Key, err)
	}
	for i, l := range b.Linkages {
		id := l.ID
		if id == "" {
			id = uuid.New().String()
		}
		extra := l.ExtraAngles
		if extra == nil {
			extra = []float64{}
		}
		extraJSON, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("encoding extra angles: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO linkages (id, build_key, seq, first_residue_id, first_residue, first_position,
				second_position, second_residue_id, second_residue, phi, psi, extra_angles)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, b.Key, i, l.FirstResidueID, l.FirstResidue, l.FirstPosition,
			l.SecondPosition, l.SecondResidueID, l.SecondResidue, l.Phi, l.Psi, string(extraJSON),
		); err != nil {
			return fmt.Errorf("saving linkage %d of build %s: %w", i, b.Key, err)
		}
	}

	return tx.Commit()
}

// DeleteBuild removes the build stored under key and its linkages.
func (s *Store) DeleteBuild(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM linkages WHERE build_key = ?`, key); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListBuilds returns builds newest first. Linkages are not loaded.
func (s *Store) ListBuilds(ctx context.Context, f BuildFilter) ([]Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// CountBuilds returns the number of stored builds per status.
func (s *Store) CountBuilds(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM builds GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FailStaleBuilds marks every pending build as failed with reason and
// returns the keys it changed.
func (s *Store) FailStaleBuilds(ctx context.Context, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning recovery transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT key FROM builds WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		UPDATE builds SET status = ?, fail_reason = ?, updated_at = ?, finished_at = ?
		WHERE status = ?`,
		StatusFailed, reason, now, now, StatusPending,
	); err != nil {
		return nil, fmt.Errorf("failing stale builds: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing recovery: %w", err)
	}
	return keys, nil
}
