package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

// Postgres keeps history in PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	// db wraps pool for the migrator.
	db  *sql.DB
	log *logger.Logger
}

func NewPostgres(ctx context.Context, dsn string, log *logger.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: connect to postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err == nil {
		err = migrateUp(driver, "pgx5", "postgres")
	}
	if err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	log.Info("History store connected to PostgreSQL %s/%s", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Database)
	return &Postgres{pool: pool, db: db, log: log}, nil
}

func (p *Postgres) Archive(ctx context.Context, r *Record) error {
	values, err := args(r)
	if err != nil {
		return err
	}
	values = append(values, r.CreatedAt, r.FinishedAt)
	_, err = p.pool.Exec(ctx, `
		INSERT INTO history (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			destination = EXCLUDED.destination,
			articles_total = EXCLUDED.articles_total,
			articles_fetched = EXCLUDED.articles_fetched,
			articles_decoded = EXCLUDED.articles_decoded,
			articles_missing = EXCLUDED.articles_missing,
			articles_failed = EXCLUDED.articles_failed,
			bytes_on_disk = EXCLUDED.bytes_on_disk,
			errors = EXCLUDED.errors,
			finished_at = EXCLUDED.finished_at`, values...)
	if err != nil {
		return fmt.Errorf("failed to archive job %d: %w", r.JobID, err)
	}
	return nil
}

func (p *Postgres) scan(row pgx.Row) (*Record, error) {
	var (
		d                 recordDBO
		created, finished time.Time
	)
	if err := row.Scan(append(d.dest(), &created, &finished)...); err != nil {
		return nil, err
	}
	return d.toRecord(created, finished)
}

func (p *Postgres) Get(ctx context.Context, jobID uint64) (*Record, error) {
	r, err := p.scan(p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM history WHERE job_id = $1`, int64(jobID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return r, err
}

func (p *Postgres) List(ctx context.Context, f domain.ListFilter) ([]*Record, error) {
	var (
		where []string
		vals  []any
	)
	if len(f.States) > 0 {
		vals = append(vals, stateNames(f.States))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(vals)))
	}
	if f.Category != "" {
		vals = append(vals, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(vals)))
	}

	query := `SELECT ` + recordColumns + ` FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC"
	if f.Limit > 0 {
		vals = append(vals, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(vals))
	}

	rows, err := p.pool.Query(ctx, query, vals...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := p.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, jobID uint64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM history WHERE job_id = $1`, int64(jobID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (p *Postgres) FindFingerprint(ctx context.Context, fp string) (uint64, bool, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		SELECT job_id FROM history
		WHERE fingerprint = $1 AND state = $2
		ORDER BY finished_at DESC LIMIT 1`, fp, domain.StateDone.String()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(id), true, nil
}

func (p *Postgres) LastJobID(ctx context.Context) (uint64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(job_id), 0) FROM history`).Scan(&id)
	return uint64(id), err
}

func (p *Postgres) Close() error {
	err := p.db.Close()
	p.pool.Close()
	return err
}
