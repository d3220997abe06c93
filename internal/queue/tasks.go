// Package queue defines the asynq task types that drive the pipeline and
// the payloads serialized into them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskSubmitJob stores a page buffer and submits it for analysis.
	TaskSubmitJob = "session:submit_job"
	// TaskPollJob checks an in-flight analysis; it re-enqueues itself with
	// a delay while the operation is still pending.
	TaskPollJob = "session:poll_job"
	// TaskPostProcess bundles a fully processed session.
	TaskPostProcess = "session:post_process"
	// TaskCleanup reaps a session at its retention horizon.
	TaskCleanup = "session:cleanup"
)

// JobPayload identifies a page job and its session context.
type JobPayload struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ModelID   string `json:"model_id"`
}

// SessionPayload identifies a session for post-processing or cleanup.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Client wraps an asynq.Client with typed enqueue helpers. Every handler
// state change is a conditional update, so redelivering a task is always
// safe and asynq's default retry policy covers infrastructure failures.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// EnqueueSubmit schedules the submission of one page job.
func (c *Client) EnqueueSubmit(ctx context.Context, p JobPayload) error {
	return c.enqueue(ctx, TaskSubmitJob, p)
}

// EnqueuePoll schedules the next poll of a job after delay.
func (c *Client) EnqueuePoll(ctx context.Context, p JobPayload, delay time.Duration) error {
	return c.enqueue(ctx, TaskPollJob, p, asynq.ProcessIn(delay))
}

// EnqueuePostProcess schedules the one-shot bundling of a session.
func (c *Client) EnqueuePostProcess(ctx context.Context, p SessionPayload) error {
	return c.enqueue(ctx, TaskPostProcess, p)
}

// EnqueueCleanup schedules session deletion at its retention horizon. The
// task ID is derived from the session so rescheduling at startup is
// idempotent: a duplicate enqueue is silently dropped.
func (c *Client) EnqueueCleanup(ctx context.Context, p SessionPayload, at time.Time) error {
	err := c.enqueue(ctx, TaskCleanup, p,
		asynq.ProcessAt(at),
		asynq.TaskID("cleanup:"+p.SessionID),
		asynq.Retention(time.Hour))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := c.inner.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
