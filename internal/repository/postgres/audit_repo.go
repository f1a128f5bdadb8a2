package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/wagate/internal/audit"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Open открывает пул соединений. Ping делает вызывающая сторона.
func Open(connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// WriteBatch сохраняет пачку записей аудита одним INSERT.
func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_trail
	const numFields = 8
	placeholderStr := ""
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)

		details, _ := json.Marshal(rec.Details)

		vals = append(vals,
			rec.ID, rec.TraceID, rec.Actor, rec.Action,
			rec.Result, details, rec.DurationMs, rec.Timestamp,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_trail (id, trace_id, actor, action, result, details, duration_ms, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// List отдает последние записи для операторского осмотра.
func (r *AuditRepo) List(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, trace_id, actor, action, result, details, duration_ms, timestamp
		 FROM audit_trail ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Actor, &rec.Action,
			&rec.Result, &details, &rec.DurationMs, &rec.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(details, &rec.Details)
		out = append(out, rec)
	}
	return out, rows.Err()
}
