// Package session owns the fan-out of an upload into page jobs and all
// session-level state decisions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/queue"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/storage"
)

// Validation errors mapped to 4xx responses by the API layer.
var (
	ErrNoFiles         = errors.New("no files in upload")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file exceeds size limit")
	ErrTooManyPages    = errors.New("session exceeds page limit")
	ErrUnreadablePDF   = errors.New("unreadable pdf")
)

// SessionStore is the slice of the session repository the manager needs.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	IncrementProcessed(ctx context.Context, id string) (processed, total int, err error)
	ClaimPostProcessing(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// JobStore is the slice of the job repository the manager needs.
type JobStore interface {
	CreateBatch(ctx context.Context, jobs []*model.Job) error
	ListBySession(ctx context.Context, sessionID string) ([]*model.Job, error)
	CancelForSession(ctx context.Context, sessionID string) (int, error)
}

// ObjectStore stores original file buffers.
type ObjectStore interface {
	KeysFor(userID, sessionID string) storage.Keys
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Enqueuer hands work to the task queue.
type Enqueuer interface {
	EnqueueSubmit(ctx context.Context, p queue.JobPayload) error
	EnqueuePostProcess(ctx context.Context, p queue.SessionPayload) error
	EnqueueCleanup(ctx context.Context, p queue.SessionPayload, at time.Time) error
}

// PageCounter returns the page count of a PDF buffer.
type PageCounter func(data []byte) (int, error)

// Config carries the upload policy knobs.
type Config struct {
	AllowedTypes    []string
	MaxFileSize     int64
	MaxSessionPages int
	RetentionWindow time.Duration
	DefaultModelID  string
}

// Manager coordinates sessions and their jobs.
type Manager struct {
	cfg       Config
	sessions  SessionStore
	jobs      JobStore
	store     ObjectStore
	enqueuer  Enqueuer
	pageCount PageCounter
	logger    *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg Config, sessions SessionStore, jobs JobStore, store ObjectStore, enqueuer Enqueuer, pageCount PageCounter, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		sessions:  sessions,
		jobs:      jobs,
		store:     store,
		enqueuer:  enqueuer,
		pageCount: pageCount,
		logger:    logger,
	}
}

// Upload is one file received from the client.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Create validates the upload, splits multi-page files into one job per
// page, persists session and jobs, stores the originals, schedules cleanup
// at the retention horizon and hands every job to the submit queue.
func (m *Manager) Create(ctx context.Context, userID string, uploads []Upload, modelID string) (*model.Session, error) {
	if len(uploads) == 0 {
		return nil, ErrNoFiles
	}
	if modelID == "" {
		modelID = m.cfg.DefaultModelID
	}

	sessionID := uuid.NewString()
	var (
		jobs       []*model.Job
		originals  = map[string]Upload{} // object ref -> file
		totalPages int
	)
	for _, up := range uploads {
		if err := m.validate(up); err != nil {
			return nil, err
		}
		pages := 1
		if up.ContentType == "application/pdf" {
			n, err := m.pageCount(up.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrUnreadablePDF, up.Name)
			}
			if n > 0 {
				pages = n
			}
		}
		totalPages += pages
		if totalPages > m.cfg.MaxSessionPages {
			return nil, ErrTooManyPages
		}
		if pages == 1 {
			job := &model.Job{
				ID:          uuid.NewString(),
				SessionID:   sessionID,
				FileName:    up.Name,
				PageNumber:  1,
				ContentType: up.ContentType,
			}
			jobs = append(jobs, job)
			originals[job.ID] = up
			continue
		}
		// Pages of a multi-page file become independent jobs sharing a
		// synthetic parent reference used to locate the original buffer
		// and to group output.
		parentID := uuid.NewString()
		originals[parentID] = up
		for p := 1; p <= pages; p++ {
			pid := parentID
			jobs = append(jobs, &model.Job{
				ID:          uuid.NewString(),
				SessionID:   sessionID,
				ParentID:    &pid,
				FileName:    up.Name,
				PageNumber:  p,
				ContentType: up.ContentType,
			})
		}
	}

	sess := &model.Session{
		ID:         sessionID,
		UserID:     userID,
		ModelID:    modelID,
		TotalFiles: len(uploads),
		TotalPages: totalPages,
		ExpiresAt:  time.Now().UTC().Add(m.cfg.RetentionWindow),
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.jobs.CreateBatch(ctx, jobs); err != nil {
		return nil, err
	}

	keys := m.store.KeysFor(userID, sessionID)
	for ref, up := range originals {
		if err := m.store.Put(ctx, keys.Original(ref), up.Data, up.ContentType); err != nil {
			return nil, fmt.Errorf("store original %s: %w", up.Name, err)
		}
	}

	// Cleanup is scheduled before any job runs so the retention guarantee
	// holds even when processing stalls.
	if err := m.enqueuer.EnqueueCleanup(ctx, queue.SessionPayload{SessionID: sessionID, UserID: userID}, sess.ExpiresAt); err != nil {
		m.logger.Warn("schedule cleanup failed, sweep will cover it",
			zap.String("session", sessionID), zap.Error(err))
	}
	// The session must leave UPLOADING before any job can run: the
	// post-processing claim only succeeds against a PROCESSING row, and a
	// fast worker may drive the first job to terminal immediately.
	if _, err := m.sessions.MarkProcessing(ctx, sessionID); err != nil {
		return nil, err
	}
	sess.Status = model.SessionProcessing
	for _, job := range jobs {
		if err := m.enqueuer.EnqueueSubmit(ctx, queue.JobPayload{
			JobID:     job.ID,
			SessionID: sessionID,
			UserID:    userID,
			ModelID:   modelID,
		}); err != nil {
			return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
	}

	m.logger.Info("session created",
		zap.String("session", sessionID), zap.String("user", userID),
		zap.Int("files", sess.TotalFiles), zap.Int("pages", totalPages))
	return sess, nil
}

func (m *Manager) validate(up Upload) error {
	if int64(len(up.Data)) > m.cfg.MaxFileSize {
		return fmt.Errorf("%w: %s", ErrFileTooLarge, up.Name)
	}
	if len(up.Data) == 0 {
		return ErrNoFiles
	}
	for _, allowed := range m.cfg.AllowedTypes {
		if strings.EqualFold(up.ContentType, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, up.ContentType)
}

// OnJobTerminal is invoked by the job drivers whenever a job reaches a
// terminal state. COMPLETED and FAILED both count as processed; the claim
// on the session row guarantees post-processing is handed off exactly once
// no matter the completion order or how many workers race here.
func (m *Manager) OnJobTerminal(ctx context.Context, sessionID, userID string, status model.JobStatus) error {
	if status != model.JobCompleted && status != model.JobFailed {
		return nil
	}
	processed, total, err := m.sessions.IncrementProcessed(ctx, sessionID)
	if err != nil {
		// A cancelled or already-reaped session no longer tracks progress.
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if processed < total {
		return nil
	}
	won, err := m.sessions.ClaimPostProcessing(ctx, sessionID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	m.logger.Info("session fully processed",
		zap.String("session", sessionID), zap.Int("pages", total))
	return m.enqueuer.EnqueuePostProcess(ctx, queue.SessionPayload{SessionID: sessionID, UserID: userID})
}

// StatusView is the read-only aggregate returned to callers.
type StatusView struct {
	Session *model.Session
	Jobs    []*model.Job
}

// Status returns the aggregate view with no side effects. Safe to call
// while jobs are in flight.
func (m *Manager) Status(ctx context.Context, sessionID string) (*StatusView, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	jobs, err := m.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &StatusView{Session: sess, Jobs: jobs}, nil
}

// Cancel marks the session cancelled and abandons its non-terminal jobs.
// In-flight external operations are not cancelled upstream; their next poll
// observes the terminal job and no-ops.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	won, err := m.sessions.Cancel(ctx, sessionID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	n, err := m.jobs.CancelForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m.logger.Info("session cancelled",
		zap.String("session", sessionID), zap.Int("jobsAbandoned", n))
	return nil
}
