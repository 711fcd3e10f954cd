package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

// SQLite is the default history backend.
type SQLite struct {
	db  *sql.DB
	log *logger.Logger
}

func NewSQLite(dbPath string, log *logger.Logger) (*SQLite, error) {
	// Ensure the database directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	// This driver works with modernc.org/sqlite as well
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(driver, "sqlite", "sqlite"); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	log.Debug("History store opened at %s", dbPath)
	return &SQLite{db: db, log: log}, nil
}

func (s *SQLite) Archive(ctx context.Context, r *Record) error {
	values, err := args(r)
	if err != nil {
		return err
	}
	values = append(values, r.CreatedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = excluded.state,
			destination = excluded.destination,
			articles_total = excluded.articles_total,
			articles_fetched = excluded.articles_fetched,
			articles_decoded = excluded.articles_decoded,
			articles_missing = excluded.articles_missing,
			articles_failed = excluded.articles_failed,
			bytes_on_disk = excluded.bytes_on_disk,
			errors = excluded.errors,
			finished_at = excluded.finished_at`, values...)
	if err != nil {
		return fmt.Errorf("failed to archive job %d: %w", r.JobID, err)
	}
	return nil
}

func (s *SQLite) scan(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		d                 recordDBO
		created, finished int64
	)
	if err := row.Scan(append(d.dest(), &created, &finished)...); err != nil {
		return nil, err
	}
	return d.toRecord(time.UnixMilli(created), time.UnixMilli(finished))
}

func (s *SQLite) Get(ctx context.Context, jobID uint64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM history WHERE job_id = ?`, int64(jobID))
	r, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return r, err
}

func (s *SQLite) List(ctx context.Context, f domain.ListFilter) ([]*Record, error) {
	var (
		where []string
		vals  []any
	)
	if len(f.States) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.States)), ", ")
		where = append(where, "state IN ("+marks+")")
		for _, n := range stateNames(f.States) {
			vals = append(vals, n)
		}
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		vals = append(vals, f.Category)
	}

	query := `SELECT ` + recordColumns + ` FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		vals = append(vals, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, vals...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, jobID uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE job_id = ?`, int64(jobID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *SQLite) FindFingerprint(ctx context.Context, fp string) (uint64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id FROM history
		WHERE fingerprint = ? AND state = ?
		ORDER BY finished_at DESC LIMIT 1`, fp, domain.StateDone.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(id), true, nil
}

func (s *SQLite) LastJobID(ctx context.Context) (uint64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(job_id), 0) FROM history`).Scan(&id)
	return uint64(id), err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
