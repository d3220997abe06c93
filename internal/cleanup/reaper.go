// Package cleanup guarantees that no session's storage or database
// footprint outlives its retention window, independent of process restarts.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/queue"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/storage"
)

// SessionStore is the slice of the session repository the reaper needs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	ListAll(ctx context.Context) ([]*model.Session, error)
	ListExpired(ctx context.Context, now time.Time) ([]*model.Session, error)
	MarkExpired(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// JobStore deletes a session's job rows.
type JobStore interface {
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
}

// BlobStore deletes a session's storage objects.
type BlobStore interface {
	KeysFor(userID, sessionID string) storage.Keys
	RemovePrefix(ctx context.Context, prefix string) (int, []error)
}

// Recorder appends cleanup audit rows.
type Recorder interface {
	Insert(ctx context.Context, rec *model.CleanupRecord) error
}

// Scheduler schedules deferred cleanup tasks.
type Scheduler interface {
	EnqueueCleanup(ctx context.Context, p queue.SessionPayload, at time.Time) error
}

// Reaper deletes expired sessions. It is the only component permitted to
// physically remove rows and blobs; deletion is idempotent, so running it
// twice for the same session is harmless.
type Reaper struct {
	sessions  SessionStore
	jobs      JobStore
	blobs     BlobStore
	records   Recorder
	scheduler Scheduler
	logger    *zap.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(sessions SessionStore, jobs JobStore, blobs BlobStore, records Recorder, scheduler Scheduler, logger *zap.Logger) *Reaper {
	return &Reaper{
		sessions:  sessions,
		jobs:      jobs,
		blobs:     blobs,
		records:   records,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Register adds the cleanup handler to the asynq mux.
func (r *Reaper) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskCleanup, r.HandleCleanup)
}

// RescheduleAll re-derives the deletion deadline of every persisted session
// and (re-)schedules a cleanup task for each. Run at worker startup, it
// makes the schedule durable across restarts: the source of truth is the
// expires_at column, never an in-memory timer.
func (r *Reaper) RescheduleAll(ctx context.Context) error {
	sessions, err := r.sessions.ListAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	scheduled := 0
	for _, sess := range sessions {
		at := sess.ExpiresAt
		if at.Before(now) {
			at = now
		}
		if err := r.scheduler.EnqueueCleanup(ctx, queue.SessionPayload{SessionID: sess.ID, UserID: sess.UserID}, at); err != nil {
			r.logger.Warn("reschedule cleanup failed",
				zap.String("session", sess.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	r.logger.Info("cleanup schedule rebuilt",
		zap.Int("sessions", len(sessions)), zap.Int("scheduled", scheduled))
	return nil
}

// HandleCleanup reaps one session at its deadline.
func (r *Reaper) HandleCleanup(ctx context.Context, task *asynq.Task) error {
	var payload queue.SessionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode cleanup payload: %w", err)
	}
	sess, err := r.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if remaining := time.Until(sess.ExpiresAt); remaining > time.Second {
		// Delivered early (e.g. clock drift); push back to the horizon.
		return r.scheduler.EnqueueCleanup(ctx, payload, sess.ExpiresAt)
	}
	started := time.Now().UTC()
	jobsReaped, blobsDeleted, reapErrs := r.reap(ctx, sess)
	rec := &model.CleanupRecord{
		ID:             uuid.NewString(),
		StartedAt:      started,
		FinishedAt:     time.Now().UTC(),
		SessionsReaped: 1,
		JobsReaped:     jobsReaped,
		BlobsDeleted:   blobsDeleted,
		Errors:         reapErrs,
	}
	if err := r.records.Insert(ctx, rec); err != nil {
		r.logger.Error("record cleanup", zap.Error(err))
	}
	return nil
}

// reap deletes one session's blobs and rows. Storage errors are collected,
// not raised: cleanup is a best-effort background duty and the sweep
// retries whatever is left.
func (r *Reaper) reap(ctx context.Context, sess *model.Session) (jobsReaped, blobsDeleted int, errs []string) {
	if err := r.sessions.MarkExpired(ctx, sess.ID); err != nil {
		errs = append(errs, err.Error())
	}
	prefix := r.blobs.KeysFor(sess.UserID, sess.ID).Prefix()
	deleted, blobErrs := r.blobs.RemovePrefix(ctx, prefix)
	blobsDeleted = deleted
	for _, e := range blobErrs {
		errs = append(errs, e.Error())
	}
	if len(blobErrs) > 0 {
		// Rows stay so the sweep retries the blob deletion later.
		r.logger.Warn("cleanup left blobs behind",
			zap.String("session", sess.ID), zap.Int("errors", len(blobErrs)))
		return jobsReaped, blobsDeleted, errs
	}
	n, err := r.jobs.DeleteBySession(ctx, sess.ID)
	if err != nil {
		errs = append(errs, err.Error())
		return jobsReaped, blobsDeleted, errs
	}
	jobsReaped = n
	if err := r.sessions.Delete(ctx, sess.ID); err != nil {
		errs = append(errs, err.Error())
		return jobsReaped, blobsDeleted, errs
	}
	r.logger.Info("session reaped",
		zap.String("session", sess.ID), zap.Int("jobs", jobsReaped), zap.Int("blobs", blobsDeleted))
	return jobsReaped, blobsDeleted, errs
}

// Sweep scans for sessions past expiry that were never cleaned, the safety
// net beneath per-session scheduling. Returns the audit record.
func (r *Reaper) Sweep(ctx context.Context) (*model.CleanupRecord, error) {
	started := time.Now().UTC()
	expired, err := r.sessions.ListExpired(ctx, started)
	if err != nil {
		return nil, err
	}
	rec := &model.CleanupRecord{ID: uuid.NewString(), StartedAt: started}
	for _, sess := range expired {
		jobs, blobs, errs := r.reap(ctx, sess)
		rec.SessionsReaped++
		rec.JobsReaped += jobs
		rec.BlobsDeleted += blobs
		rec.Errors = append(rec.Errors, errs...)
	}
	rec.FinishedAt = time.Now().UTC()
	if rec.SessionsReaped > 0 || len(rec.Errors) > 0 {
		if err := r.records.Insert(ctx, rec); err != nil {
			r.logger.Error("record sweep", zap.Error(err))
		}
	}
	r.logger.Info("sweep finished",
		zap.Int("sessions", rec.SessionsReaped), zap.Int("jobs", rec.JobsReaped),
		zap.Int("blobs", rec.BlobsDeleted), zap.Int("errors", len(rec.Errors)))
	return rec, nil
}

// StartSweeper runs the daily sweep on a cron schedule and returns the
// scheduler so the caller can stop it on shutdown.
func (r *Reaper) StartSweeper(ctx context.Context) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		r.logger.Error("schedule sweep", zap.Error(err))
	}
	c.Start()
	return c
}
