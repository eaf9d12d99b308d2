package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/snapkeeper/internal/core/limiter"
)

const uniqueViolation = "23505"

// CounterRepo is the versioned counter store behind the CAS limiter.
type CounterRepo struct {
	db *sqlx.DB
}

func NewCounterRepo(db *DB) *CounterRepo {
	return &CounterRepo{db: db.DB}
}

type counterRow struct {
	Count   int   `db:"count"`
	Version int64 `db:"version"`
}

func (r *CounterRepo) Get(ctx context.Context, name string) (limiter.Record, bool, error) {
	var row counterRow
	err := r.db.GetContext(ctx, &row, `SELECT count, version FROM limiter_counters WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return limiter.Record{}, false, nil
	}
	if err != nil {
		return limiter.Record{}, false, fmt.Errorf("get counter %s: %w", name, err)
	}
	return limiter.Record{Count: row.Count, Version: row.Version}, true, nil
}

func (r *CounterRepo) Create(ctx context.Context, name string, count int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO limiter_counters (name, count, version) VALUES ($1, $2, 1)`, name, count)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return limiter.ErrExists
		}
		return fmt.Errorf("create counter %s: %w", name, err)
	}
	return nil
}

func (r *CounterRepo) Update(ctx context.Context, name string, version int64, count int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE limiter_counters
		SET count = $1, version = version + 1, updated_at = NOW()
		WHERE name = $2 AND version = $3`,
		count, name, version)
	if err != nil {
		return fmt.Errorf("update counter %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update counter %s: %w", name, err)
	}
	if n == 0 {
		return limiter.ErrConflict
	}
	return nil
}
