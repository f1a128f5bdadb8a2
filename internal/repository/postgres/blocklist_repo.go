package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// BlocklistRepo — долговечный источник правды для kill-switch.
// Redis при старте греется отсюда, поэтому блокировки переживают
// и рестарт шлюза, и потерю Redis.
type BlocklistRepo struct {
	db *sql.DB
}

func NewBlocklistRepo(db *sql.DB) *BlocklistRepo {
	return &BlocklistRepo{db: db}
}

// List отдает все заблокированные identity.
func (r *BlocklistRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT identity FROM blocked_identities ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("query blocked identities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Add фиксирует блокировку. Повторная блокировка — no-op.
func (r *BlocklistRepo) Add(ctx context.Context, identity string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blocked_identities (identity, created_at)
		 VALUES ($1, now())
		 ON CONFLICT (identity) DO NOTHING`, identity)
	if err != nil {
		return fmt.Errorf("insert blocked identity: %w", err)
	}
	return nil
}

// Remove снимает блокировку.
func (r *BlocklistRepo) Remove(ctx context.Context, identity string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM blocked_identities WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("delete blocked identity: %w", err)
	}
	return nil
}
