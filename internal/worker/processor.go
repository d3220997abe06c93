// Package worker drives each page job from submission to a terminal state.
// All state changes go through conditional repository updates, so a poll
// that fires twice, a duplicate task or a racing worker can never double a
// transition or a charge.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/extraction"
	"github.com/docupack/docupack/internal/ledger"
	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/postprocess"
	"github.com/docupack/docupack/internal/queue"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/storage"
)

// JobStore is the slice of the job repository the drivers need.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	MarkUploading(ctx context.Context, id string) (bool, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	StartPolling(ctx context.Context, id, operationID string, now time.Time) (bool, error)
	RecordPoll(ctx context.Context, id string, now time.Time) error
	Complete(ctx context.Context, id string, fields map[string]string, outputName string) (bool, error)
	SetBilling(ctx context.Context, id string, credits int, unbilled bool) error
	Fail(ctx context.Context, id, code, msg string) (bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]*model.Job, error)
}

// SessionStore is the slice of the session repository the drivers need.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Complete(ctx context.Context, id, bundleKey, reportKey string) (bool, error)
	Fail(ctx context.Context, id, msg string) error
}

// Charger deducts credits; implemented by the ledger.
type Charger interface {
	ChargeUsage(ctx context.Context, userID string, amount int64, jobID string) (int64, error)
}

// ObjectStore stores and fetches page buffers.
type ObjectStore interface {
	KeysFor(userID, sessionID string) storage.Keys
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Analyzer is the external document-intelligence service.
type Analyzer interface {
	Submit(ctx context.Context, document []byte, modelID string) (string, error)
	Fetch(ctx context.Context, operation string) (extraction.Result, error)
}

// Poller re-enqueues delayed poll tasks.
type Poller interface {
	EnqueuePoll(ctx context.Context, p queue.JobPayload, delay time.Duration) error
}

// Notifier receives terminal-state callbacks; implemented by the session
// manager.
type Notifier interface {
	OnJobTerminal(ctx context.Context, sessionID, userID string, status model.JobStatus) error
}

// BundleRunner assembles session output; implemented by the post-processor.
type BundleRunner interface {
	Run(ctx context.Context, sess *model.Session, jobs []*model.Job) (bundleKey, reportKey string, err error)
}

// PageExtractor returns a single-page buffer from a multi-page PDF.
type PageExtractor func(data []byte, page int) ([]byte, error)

// Config carries the polling cadence.
type Config struct {
	PollInterval time.Duration
	PollCeiling  time.Duration
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	cfg      Config
	jobs     JobStore
	sessions SessionStore
	charger  Charger
	store    ObjectStore
	analyzer Analyzer
	poller   Poller
	notifier Notifier
	bundler  BundleRunner
	namer    *postprocess.Namer
	extract  PageExtractor
	logger   *zap.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(cfg Config, jobs JobStore, sessions SessionStore, charger Charger, store ObjectStore,
	analyzer Analyzer, poller Poller, notifier Notifier, bundler BundleRunner,
	namer *postprocess.Namer, extract PageExtractor, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		jobs:     jobs,
		sessions: sessions,
		charger:  charger,
		store:    store,
		analyzer: analyzer,
		poller:   poller,
		notifier: notifier,
		bundler:  bundler,
		namer:    namer,
		extract:  extract,
		logger:   logger,
	}
}

// Register adds the pipeline handlers to the asynq mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskSubmitJob, p.HandleSubmit)
	mux.HandleFunc(queue.TaskPollJob, p.HandlePoll)
	mux.HandleFunc(queue.TaskPostProcess, p.HandlePostProcess)
}

// HandleSubmit stores the page buffer and submits it for analysis:
// QUEUED -> UPLOADING -> PROCESSING -> POLLING. Submission failures are
// terminal for the job; the extraction client already retried once if the
// cause was transient. A redelivered task resumes from whatever state the
// previous attempt reached.
func (p *Processor) HandleSubmit(ctx context.Context, task *asynq.Task) error {
	var payload queue.JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode submit payload: %w", err)
	}
	job, err := p.jobs.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	switch job.Status {
	case model.JobQueued:
		claimed, err := p.jobs.MarkUploading(ctx, job.ID)
		if err != nil {
			return err
		}
		if !claimed {
			// Lost to a duplicate delivery that got here first.
			return nil
		}
	case model.JobUploading, model.JobProcessing:
		// A previous delivery died mid-submit. Every step below is
		// idempotent (overwriting puts, conditional updates), so redo them.
	case model.JobPolling:
		// Submission finished but the first poll was never scheduled.
		return p.poller.EnqueuePoll(ctx, payload, p.cfg.PollInterval)
	}

	keys := p.store.KeysFor(payload.UserID, payload.SessionID)
	originRef := job.ID
	if job.ParentID != nil {
		originRef = *job.ParentID
	}
	var original []byte
	err = retryOnce(ctx, func() error {
		var err error
		original, err = p.store.Get(ctx, keys.Original(originRef))
		return err
	})
	if err != nil {
		return p.failJob(ctx, payload, model.ErrCodeStorage, fmt.Sprintf("fetch original: %v", err))
	}
	page := original
	if job.ContentType == "application/pdf" && job.ParentID != nil {
		page, err = p.extract(original, job.PageNumber)
		if err != nil {
			return p.failJob(ctx, payload, model.ErrCodeSubmitFailed, fmt.Sprintf("split page %d: %v", job.PageNumber, err))
		}
	}
	err = retryOnce(ctx, func() error {
		return p.store.Put(ctx, keys.Page(job.ID), page, job.ContentType)
	})
	if err != nil {
		return p.failJob(ctx, payload, model.ErrCodeStorage, fmt.Sprintf("store page: %v", err))
	}
	if _, err := p.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return err
	}

	operation, err := p.analyzer.Submit(ctx, page, payload.ModelID)
	if err != nil {
		code := model.ErrCodeSubmitFailed
		if extraction.IsTransient(err) {
			code = model.ErrCodeTransientIO
		}
		return p.failJob(ctx, payload, code, fmt.Sprintf("submit analysis: %v", err))
	}
	if _, err := p.jobs.StartPolling(ctx, job.ID, operation, time.Now()); err != nil {
		return err
	}
	p.logger.Debug("job submitted",
		zap.String("job", job.ID), zap.String("session", payload.SessionID))
	return p.poller.EnqueuePoll(ctx, payload, p.cfg.PollInterval)
}

// HandlePoll checks the analysis operation. A terminal job ignores further
// polls, the poll window is bounded by wall-clock time, and only the single
// winner of the COMPLETED transition charges a credit.
func (p *Processor) HandlePoll(ctx context.Context, task *asynq.Task) error {
	var payload queue.JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode poll payload: %w", err)
	}
	job, err := p.jobs.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() || job.Status != model.JobPolling || job.OperationID == nil {
		return nil
	}

	now := time.Now()
	if job.PollingSince != nil && now.Sub(*job.PollingSince) > p.cfg.PollCeiling {
		return p.failJob(ctx, payload, model.ErrCodePollTimeout,
			fmt.Sprintf("no result after %s of polling", p.cfg.PollCeiling))
	}

	result, err := p.analyzer.Fetch(ctx, *job.OperationID)
	if err != nil {
		code := model.ErrCodeExtractionFailed
		if extraction.IsTransient(err) {
			code = model.ErrCodeTransientIO
		}
		return p.failJob(ctx, payload, code, fmt.Sprintf("poll operation: %v", err))
	}

	switch result.State {
	case extraction.StatePending:
		if err := p.jobs.RecordPoll(ctx, job.ID, now); err != nil {
			return err
		}
		return p.poller.EnqueuePoll(ctx, payload, p.cfg.PollInterval)

	case extraction.StateFailed:
		return p.failJob(ctx, payload, model.ErrCodeExtractionFailed, result.Detail)

	case extraction.StateSucceeded:
		outputName := p.namer.Derive(result.Fields, job.FileName, job.PageNumber)
		won, err := p.jobs.Complete(ctx, job.ID, result.Fields, outputName)
		if err != nil {
			return err
		}
		if !won {
			// A concurrent poll finished the job first; it already charged.
			return nil
		}
		p.charge(ctx, payload)
		return p.notifier.OnJobTerminal(ctx, payload.SessionID, payload.UserID, model.JobCompleted)
	}
	return fmt.Errorf("unexpected operation state %q", result.State)
}

// charge deducts exactly one credit for the completed job. Insufficient
// funds keep the job completed but flag it unbilled: extraction already
// happened, and destroying results over billing would punish the user for
// our sequencing. The flag surfaces in audit logs for reconciliation.
func (p *Processor) charge(ctx context.Context, payload queue.JobPayload) {
	balance, err := p.charger.ChargeUsage(ctx, payload.UserID, 1, payload.JobID)
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		p.logger.Warn("job completed unbilled: insufficient funds",
			zap.String("job", payload.JobID), zap.String("user", payload.UserID),
			zap.String("session", payload.SessionID))
		if err := p.jobs.SetBilling(ctx, payload.JobID, 0, true); err != nil {
			p.logger.Error("record unbilled flag", zap.String("job", payload.JobID), zap.Error(err))
		}
	case err != nil:
		p.logger.Error("charge failed, job flagged unbilled",
			zap.String("job", payload.JobID), zap.Error(err))
		if err := p.jobs.SetBilling(ctx, payload.JobID, 0, true); err != nil {
			p.logger.Error("record unbilled flag", zap.String("job", payload.JobID), zap.Error(err))
		}
	default:
		if err := p.jobs.SetBilling(ctx, payload.JobID, 1, false); err != nil {
			p.logger.Error("record billing", zap.String("job", payload.JobID), zap.Error(err))
		}
		p.logger.Debug("credit charged",
			zap.String("job", payload.JobID), zap.Int64("balance", balance))
	}
}

// retryOnce runs op and retries it once, the same single immediate retry
// the extraction client applies to its transport.
func retryOnce(ctx context.Context, op func() error) error {
	err := op()
	if err != nil && ctx.Err() == nil {
		err = op()
	}
	return err
}

// failJob marks the job failed and notifies the session manager. Only the
// caller that actually flips the status reports the terminal event, so
// progress is counted once.
func (p *Processor) failJob(ctx context.Context, payload queue.JobPayload, code, msg string) error {
	won, err := p.jobs.Fail(ctx, payload.JobID, code, msg)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	p.logger.Info("job failed",
		zap.String("job", payload.JobID), zap.String("session", payload.SessionID),
		zap.String("code", code), zap.String("detail", msg))
	return p.notifier.OnJobTerminal(ctx, payload.SessionID, payload.UserID, model.JobFailed)
}

// HandlePostProcess bundles a session whose jobs are all terminal. It runs
// at most once: only a session still in POST_PROCESSING is bundled, and a
// bundling failure fails the session while per-job results stay queryable.
func (p *Processor) HandlePostProcess(ctx context.Context, task *asynq.Task) error {
	var payload queue.SessionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode post-process payload: %w", err)
	}
	sess, err := p.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Status != model.SessionPostProcessing {
		return nil
	}
	jobs, err := p.jobs.ListBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	bundleKey, reportKey, err := p.bundler.Run(ctx, sess, jobs)
	if err != nil {
		p.logger.Error("post-processing failed",
			zap.String("session", sess.ID), zap.Error(err))
		return p.sessions.Fail(ctx, sess.ID, fmt.Sprintf("bundling failed: %v", err))
	}
	if _, err := p.sessions.Complete(ctx, sess.ID, bundleKey, reportKey); err != nil {
		return err
	}
	p.logger.Info("session completed",
		zap.String("session", sess.ID), zap.String("bundle", bundleKey))
	return nil
}
