package store

import (
	"context"
	"fmt"
	"time"

	"botlogs/services/console/internal/mutation"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS mutation_journal (
    owner            TEXT NOT NULL,
    local_id         TEXT NOT NULL,
    target_record_id TEXT NOT NULL,
    kind             TEXT NOT NULL,
    payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
    state            TEXT NOT NULL,
    attempts         INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (owner, local_id)
);
CREATE INDEX IF NOT EXISTS mutation_journal_updated_at_idx ON mutation_journal (updated_at);`

// Postgres is a mutation journal backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ mutation.Journal = (*Postgres)(nil)

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate mutation journal: %w", err)
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, owner string, entry mutation.Entry) error {
	row, err := toRow(owner, entry)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(
		ctx,
		`INSERT INTO mutation_journal
		   (owner, local_id, target_record_id, kind, payload, state, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (owner, local_id) DO UPDATE
		 SET payload = EXCLUDED.payload,
		     state = EXCLUDED.state,
		     attempts = EXCLUDED.attempts,
		     last_error = EXCLUDED.last_error,
		     updated_at = EXCLUDED.updated_at`,
		row.Owner,
		row.LocalID,
		row.TargetRecordID,
		row.Kind,
		row.Payload,
		row.State,
		row.Attempts,
		row.LastError,
		row.CreatedAt,
		row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save journal entry %s: %w", entry.LocalID, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, owner, localID string) error {
	_, err := p.pool.Exec(
		ctx,
		`DELETE FROM mutation_journal WHERE owner = $1 AND local_id = $2`,
		owner,
		localID,
	)
	if err != nil {
		return fmt.Errorf("delete journal entry %s: %w", localID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, owner string) ([]mutation.Entry, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT owner, local_id, target_record_id, kind, payload, state, attempts, last_error, created_at, updated_at
		 FROM mutation_journal
		 WHERE owner = $1
		 ORDER BY created_at ASC, local_id ASC`,
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]mutation.Entry, 0)
	for rows.Next() {
		var row journalRow
		if err := rows.Scan(
			&row.Owner,
			&row.LocalID,
			&row.TargetRecordID,
			&row.Kind,
			&row.Payload,
			&row.State,
			&row.Attempts,
			&row.LastError,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, err
		}
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return entries, nil
}

// Prune removes entries untouched since olderThan.
func (p *Postgres) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := p.pool.Exec(
		ctx,
		`DELETE FROM mutation_journal WHERE updated_at < $1`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
