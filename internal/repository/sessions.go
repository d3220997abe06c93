// Package repository wraps all session/job SQL used by the API and worker.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docupack/docupack/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Sessions wraps the sessions table.
type Sessions struct {
	pool *pgxpool.Pool
}

// NewSessions constructs a session repository.
func NewSessions(pool *pgxpool.Pool) *Sessions {
	return &Sessions{pool: pool}
}

// Create inserts a session in UPLOADING state.
func (r *Sessions) Create(ctx context.Context, s *model.Session) error {
	now := time.Now().UTC()
	s.Status = model.SessionUploading
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, model_id, status, total_files, total_pages, processed_pages, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9)
	`, s.ID, s.UserID, s.ModelID, s.Status, s.TotalFiles, s.TotalPages, s.ExpiresAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns a session by id.
func (r *Sessions) Get(ctx context.Context, id string) (*model.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, model_id, status, total_files, total_pages, processed_pages,
		       bundle_key, report_key, error_message, expires_at, created_at, updated_at
		FROM sessions WHERE id=$1
	`, id)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s         model.Session
		bundleKey sql.NullString
		reportKey sql.NullString
		errMsg    sql.NullString
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.ModelID, &s.Status, &s.TotalFiles, &s.TotalPages,
		&s.ProcessedPages, &bundleKey, &reportKey, &errMsg, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	if bundleKey.Valid {
		s.BundleKey = &bundleKey.String
	}
	if reportKey.Valid {
		s.ReportKey = &reportKey.String
	}
	if errMsg.Valid {
		s.ErrorMessage = &errMsg.String
	}
	return &s, nil
}

// transition applies a guarded status change so a stale writer loses.
func (r *Sessions) transition(ctx context.Context, id string, from, to model.SessionStatus, set string, args ...any) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal session transition %s -> %s", from, to)
	}
	query := `UPDATE sessions SET status=$1, updated_at=$2` + set +
		fmt.Sprintf(` WHERE id=$%d AND status=$%d`, len(args)+3, len(args)+4)
	allArgs := append([]any{to, time.Now().UTC()}, args...)
	allArgs = append(allArgs, id, from)
	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return false, fmt.Errorf("update session %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessing flips the session out of UPLOADING once all jobs are queued.
func (r *Sessions) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, model.SessionUploading, model.SessionProcessing, "")
}

// IncrementProcessed bumps processed_pages by one, never past total_pages,
// and returns the resulting counters.
func (r *Sessions) IncrementProcessed(ctx context.Context, id string) (processed, total int, err error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE sessions SET processed_pages = processed_pages + 1, updated_at=$2
		WHERE id=$1 AND processed_pages < total_pages
		RETURNING processed_pages, total_pages
	`, id, time.Now().UTC())
	if err := row.Scan(&processed, &total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("increment processed: %w", err)
	}
	return processed, total, nil
}

// ClaimPostProcessing performs the single-winner claim: only the first caller
// to observe all pages processed moves the session to POST_PROCESSING.
func (r *Sessions) ClaimPostProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status=$1, updated_at=$2
		WHERE id=$3 AND status=$4 AND processed_pages = total_pages
	`, model.SessionPostProcessing, time.Now().UTC(), id, model.SessionProcessing)
	if err != nil {
		return false, fmt.Errorf("claim post-processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete records the bundle artifacts and finishes the session.
func (r *Sessions) Complete(ctx context.Context, id, bundleKey, reportKey string) (bool, error) {
	return r.transition(ctx, id, model.SessionPostProcessing, model.SessionCompleted,
		", bundle_key=$3, report_key=$4", bundleKey, reportKey)
}

// Fail marks the session failed from any non-terminal state.
func (r *Sessions) Fail(ctx context.Context, id, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status=$1, error_message=$2, updated_at=$3
		WHERE id=$4 AND status NOT IN ($5,$6,$7,$8)
	`, model.SessionFailed, msg, time.Now().UTC(), id,
		model.SessionCompleted, model.SessionFailed, model.SessionExpired, model.SessionCancelled)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	return nil
}

// Cancel absorbs the session into CANCELLED unless it already expired.
func (r *Sessions) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status=$1, updated_at=$2
		WHERE id=$3 AND status NOT IN ($4,$5)
	`, model.SessionCancelled, time.Now().UTC(), id, model.SessionCancelled, model.SessionExpired)
	if err != nil {
		return false, fmt.Errorf("cancel session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired absorbs the session into EXPIRED ahead of physical deletion.
func (r *Sessions) MarkExpired(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status=$1, updated_at=$2 WHERE id=$3 AND status <> $1
	`, model.SessionExpired, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

// ListAll returns every session row still present, for cleanup rescheduling.
func (r *Sessions) ListAll(ctx context.Context) ([]*model.Session, error) {
	return r.list(ctx, `
		SELECT id, user_id, model_id, status, total_files, total_pages, processed_pages,
		       bundle_key, report_key, error_message, expires_at, created_at, updated_at
		FROM sessions ORDER BY expires_at
	`)
}

// ListExpired returns sessions past their retention horizon.
func (r *Sessions) ListExpired(ctx context.Context, now time.Time) ([]*model.Session, error) {
	return r.list(ctx, `
		SELECT id, user_id, model_id, status, total_files, total_pages, processed_pages,
		       bundle_key, report_key, error_message, expires_at, created_at, updated_at
		FROM sessions WHERE expires_at <= $1 ORDER BY expires_at
	`, now)
}

func (r *Sessions) list(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes the session row; job rows cascade.
func (r *Sessions) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
