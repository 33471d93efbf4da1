package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a release does not exist.
var ErrNotFound = errors.New("release not found")

// SQLiteStore implements ReleaseStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ ReleaseStore = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path string
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path, now: time.Now}, nil
}

// Init opens the database. A single connection is used so an in-memory
// database is shared by every query.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRelease inserts a new run record.
func (s *SQLiteStore) CreateRelease(ctx context.Context, r *Release) error {
	query := `
		INSERT INTO releases (id, version, operation, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.Version, r.Operation, r.Status, r.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create release: %w", err)
	}
	return nil
}

// CompleteRelease records the end state of a run.
func (s *SQLiteStore) CompleteRelease(ctx context.Context, id string, c Completion) error {
	query := `
		UPDATE releases
		SET status = ?, completed_at = ?, archive_path = ?, archive_size = ?, checksum = ?, error = ?
		WHERE id = ?
	`

	var errMsg *string
	if c.Err != nil {
		msg := c.Err.Error()
		errMsg = &msg
	}

	result, err := s.db.ExecContext(ctx, query,
		c.Status,
		s.now().UTC(),
		c.ArchivePath,
		c.ArchiveSize,
		c.Checksum,
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete release: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const releaseColumns = `id, version, operation, status, started_at, completed_at, archive_path, archive_size, checksum, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(row scanner) (*Release, error) {
	r := &Release{}
	err := row.Scan(
		&r.ID,
		&r.Version,
		&r.Operation,
		&r.Status,
		&r.StartedAt,
		&r.CompletedAt,
		&r.ArchivePath,
		&r.ArchiveSize,
		&r.Checksum,
		&r.Error,
	)
	return r, err
}

// GetRelease retrieves a run by ID.
func (s *SQLiteStore) GetRelease(ctx context.Context, id string) (*Release, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id = ?`, id)
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get release: %w", err)
	}
	return r, nil
}

// ListReleases returns runs, newest first.
func (s *SQLiteStore) ListReleases(ctx context.Context, limit, offset int) ([]*Release, error) {
	query := `SELECT ` + releaseColumns + `
		FROM releases
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	defer rows.Close()

	releases := []*Release{}
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating releases: %w", err)
	}
	return releases, nil
}

// RecordPatchResults stores the patch outcomes of a run in one transaction.
func (s *SQLiteStore) RecordPatchResults(ctx context.Context, releaseID string, results []PatchResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO patch_results (release_id, patch_id, path, outcome, exit_code, diagnostics)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range results {
			if _, err := stmt.ExecContext(ctx, releaseID, r.PatchID, r.Path, r.Outcome, r.ExitCode, r.Diagnostics); err != nil {
				return fmt.Errorf("patch %s: %w", r.PatchID, err)
			}
		}
		return nil
	})
}

// ListPatchResults returns the patch outcomes of a run ordered by patch ID.
func (s *SQLiteStore) ListPatchResults(ctx context.Context, releaseID string) ([]*PatchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT release_id, patch_id, path, outcome, exit_code, diagnostics
		FROM patch_results
		WHERE release_id = ?
		ORDER BY patch_id
	`, releaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patch results: %w", err)
	}
	defer rows.Close()

	results := []*PatchResult{}
	for rows.Next() {
		r := &PatchResult{}
		if err := rows.Scan(&r.ReleaseID, &r.PatchID, &r.Path, &r.Outcome, &r.ExitCode, &r.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to scan patch result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patch results: %w", err)
	}
	return results, nil
}

// RecordBoardResults stores board classifications of a run in one transaction.
func (s *SQLiteStore) RecordBoardResults(ctx context.Context, releaseID string, results []BoardResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO board_results (release_id, board_id, classification, sync_outcome)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range results {
			if _, err := stmt.ExecContext(ctx, releaseID, r.BoardID, r.Classification, r.SyncOutcome); err != nil {
				return fmt.Errorf("board %s: %w", r.BoardID, err)
			}
		}
		return nil
	})
}

// ListBoardResults returns board classifications of a run ordered by board ID.
func (s *SQLiteStore) ListBoardResults(ctx context.Context, releaseID string) ([]*BoardResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT release_id, board_id, classification, sync_outcome
		FROM board_results
		WHERE release_id = ?
		ORDER BY board_id
	`, releaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list board results: %w", err)
	}
	defer rows.Close()

	results := []*BoardResult{}
	for rows.Next() {
		r := &BoardResult{}
		if err := rows.Scan(&r.ReleaseID, &r.BoardID, &r.Classification, &r.SyncOutcome); err != nil {
			return nil, fmt.Errorf("failed to scan board result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating board results: %w", err)
	}
	return results, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record results: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
