package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docupack/docupack/internal/model"
)

// CleanupRecords appends audit rows for cleanup runs. Rows are never updated.
type CleanupRecords struct {
	pool *pgxpool.Pool
}

// NewCleanupRecords constructs the repository.
func NewCleanupRecords(pool *pgxpool.Pool) *CleanupRecords {
	return &CleanupRecords{pool: pool}
}

// Insert appends one record.
func (r *CleanupRecords) Insert(ctx context.Context, rec *model.CleanupRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cleanup_records (id, started_at, finished_at, sessions_reaped, jobs_reaped, blobs_deleted, errors)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.StartedAt, rec.FinishedAt, rec.SessionsReaped, rec.JobsReaped, rec.BlobsDeleted, rec.Errors)
	if err != nil {
		return fmt.Errorf("insert cleanup record: %w", err)
	}
	return nil
}
