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

// Jobs wraps the jobs table. Every status change goes through a conditional
// UPDATE keyed on the expected current status, so concurrent writers cannot
// regress a job and a terminal job never moves again.
type Jobs struct {
	pool *pgxpool.Pool
}

// NewJobs constructs a job repository.
func NewJobs(pool *pgxpool.Pool) *Jobs {
	return &Jobs{pool: pool}
}

// CreateBatch inserts all page jobs for a session in QUEUED state.
func (r *Jobs) CreateBatch(ctx context.Context, jobs []*model.Job) error {
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, j := range jobs {
		j.Status = model.JobQueued
		j.CreatedAt = now
		j.UpdatedAt = now
		batch.Queue(`
			INSERT INTO jobs (id, session_id, parent_id, file_name, page_number, content_type, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, j.ID, j.SessionID, j.ParentID, j.FileName, j.PageNumber, j.ContentType, j.Status, j.CreatedAt, j.UpdatedAt)
	}
	res := r.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range jobs {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}
	return nil
}

// Get returns a job by id.
func (r *Jobs) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, session_id, parent_id, file_name, page_number, content_type, status,
		       operation_id, poll_attempts, last_polled_at, polling_since, fields, output_name,
		       credits_charged, unbilled, error_code, error_message, created_at, updated_at
		FROM jobs WHERE id=$1
	`, id)
	return scanJob(row)
}

// ListBySession returns all jobs of a session ordered by file and page.
func (r *Jobs) ListBySession(ctx context.Context, sessionID string) ([]*model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, parent_id, file_name, page_number, content_type, status,
		       operation_id, poll_attempts, last_polled_at, polling_since, fields, output_name,
		       credits_charged, unbilled, error_code, error_message, created_at, updated_at
		FROM jobs WHERE session_id=$1 ORDER BY file_name, page_number
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j            model.Job
		parentID     sql.NullString
		operationID  sql.NullString
		lastPolledAt sql.NullTime
		pollingSince sql.NullTime
		outputName   sql.NullString
		errorCode    sql.NullString
		errorMessage sql.NullString
	)
	if err := row.Scan(&j.ID, &j.SessionID, &parentID, &j.FileName, &j.PageNumber, &j.ContentType,
		&j.Status, &operationID, &j.PollAttempts, &lastPolledAt, &pollingSince, &j.Fields,
		&outputName, &j.CreditsCharged, &j.Unbilled, &errorCode, &errorMessage,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	if parentID.Valid {
		j.ParentID = &parentID.String
	}
	if operationID.Valid {
		j.OperationID = &operationID.String
	}
	if lastPolledAt.Valid {
		t := lastPolledAt.Time
		j.LastPolledAt = &t
	}
	if pollingSince.Valid {
		t := pollingSince.Time
		j.PollingSince = &t
	}
	if outputName.Valid {
		j.OutputName = &outputName.String
	}
	if errorCode.Valid {
		j.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	return &j, nil
}

func (r *Jobs) advance(ctx context.Context, id string, from, to model.JobStatus, set string, args ...any) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal job transition %s -> %s", from, to)
	}
	query := `UPDATE jobs SET status=$1, updated_at=$2` + set +
		fmt.Sprintf(` WHERE id=$%d AND status=$%d`, len(args)+3, len(args)+4)
	allArgs := append([]any{to, time.Now().UTC()}, args...)
	allArgs = append(allArgs, id, from)
	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkUploading claims a QUEUED job for submission.
func (r *Jobs) MarkUploading(ctx context.Context, id string) (bool, error) {
	return r.advance(ctx, id, model.JobQueued, model.JobUploading, "")
}

// MarkProcessing records that the page buffer is stored and submission has begun.
func (r *Jobs) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return r.advance(ctx, id, model.JobUploading, model.JobProcessing, "")
}

// StartPolling stores the external operation handle and opens the poll window.
func (r *Jobs) StartPolling(ctx context.Context, id, operationID string, now time.Time) (bool, error) {
	return r.advance(ctx, id, model.JobProcessing, model.JobPolling,
		", operation_id=$3, polling_since=$4", operationID, now.UTC())
}

// RecordPoll notes a still-pending poll. Only POLLING rows are touched, so a
// late poll against a terminal job is a no-op.
func (r *Jobs) RecordPoll(ctx context.Context, id string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET poll_attempts = poll_attempts + 1, last_polled_at=$2, updated_at=$2
		WHERE id=$1 AND status=$3
	`, id, now.UTC(), model.JobPolling)
	if err != nil {
		return fmt.Errorf("record poll: %w", err)
	}
	return nil
}

// Complete performs the single-winner transition into COMPLETED, storing the
// extracted fields and derived output name. The returned bool gates the
// credit charge: only the winner charges.
func (r *Jobs) Complete(ctx context.Context, id string, fields map[string]string, outputName string) (bool, error) {
	return r.advance(ctx, id, model.JobPolling, model.JobCompleted,
		", fields=$3, output_name=$4", fields, outputName)
}

// SetBilling records the charge outcome after completion.
func (r *Jobs) SetBilling(ctx context.Context, id string, credits int, unbilled bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET credits_charged=$2, unbilled=$3, updated_at=$4 WHERE id=$1
	`, id, credits, unbilled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set billing: %w", err)
	}
	return nil
}

// Fail marks the job failed unless it already reached a terminal state.
func (r *Jobs) Fail(ctx context.Context, id, code, msg string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status=$1, error_code=$2, error_message=$3, updated_at=$4
		WHERE id=$5 AND status NOT IN ($6,$7,$8,$9)
	`, model.JobFailed, code, msg, time.Now().UTC(), id,
		model.JobCompleted, model.JobFailed, model.JobExpired, model.JobCancelled)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelForSession abandons every non-terminal job of a session and returns
// how many were cancelled.
func (r *Jobs) CancelForSession(ctx context.Context, sessionID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status=$1, updated_at=$2
		WHERE session_id=$3 AND status NOT IN ($4,$5,$6,$7)
	`, model.JobCancelled, time.Now().UTC(), sessionID,
		model.JobCompleted, model.JobFailed, model.JobExpired, model.JobCancelled)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteBySession removes all job rows of a session and returns the count.
func (r *Jobs) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE session_id=$1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
