package mysql

import (
	"context"
	"database/sql"
	"time"

	"trade-sniper/internal/domain"
)

type MySQLAuditRepository struct {
	db *sql.DB
}

func NewMySQLAuditRepository(db *sql.DB) *MySQLAuditRepository {
	return &MySQLAuditRepository{db: db}
}

func (r *MySQLAuditRepository) SaveSessionResult(ctx context.Context, record *domain.SessionRecord) error {
	query := `
        INSERT INTO automation_sessions (session_id, listing_id, outcome, failed_step, duration_ms, finished_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		record.SessionID, record.ListingID, record.Outcome, record.FailedStep,
		record.Duration.Milliseconds(), record.FinishedAt, time.Now())
	return err
}
