package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/queue"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/storage"
)

type fakeSessions struct {
	created   *model.Session
	status    model.SessionStatus
	processed int
	total     int
	incErr    error
	claims    int
	claimed   bool
	cancelled bool
}

func (f *fakeSessions) Create(_ context.Context, s *model.Session) error {
	f.created = s
	f.status = model.SessionUploading
	f.total = s.TotalPages
	return nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (*model.Session, error) {
	if f.created == nil || f.created.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.created, nil
}

func (f *fakeSessions) MarkProcessing(_ context.Context, _ string) (bool, error) {
	f.status = model.SessionProcessing
	return true, nil
}

func (f *fakeSessions) IncrementProcessed(_ context.Context, _ string) (int, int, error) {
	if f.incErr != nil {
		return 0, 0, f.incErr
	}
	f.processed++
	return f.processed, f.total, nil
}

// ClaimPostProcessing mirrors the repository's status-conditional update:
// only a PROCESSING session can be claimed, and only once.
func (f *fakeSessions) ClaimPostProcessing(_ context.Context, _ string) (bool, error) {
	f.claims++
	if f.status != model.SessionProcessing || f.claimed {
		return false, nil
	}
	f.claimed = true
	f.status = model.SessionPostProcessing
	return true, nil
}

func (f *fakeSessions) Cancel(_ context.Context, _ string) (bool, error) {
	if f.cancelled {
		return false, nil
	}
	f.cancelled = true
	return true, nil
}

type fakeJobs struct {
	batch     []*model.Job
	cancelled int
}

func (f *fakeJobs) CreateBatch(_ context.Context, jobs []*model.Job) error {
	f.batch = jobs
	return nil
}

func (f *fakeJobs) ListBySession(_ context.Context, _ string) ([]*model.Job, error) {
	return f.batch, nil
}

func (f *fakeJobs) CancelForSession(_ context.Context, _ string) (int, error) {
	f.cancelled = len(f.batch)
	return f.cancelled, nil
}

type fakeObjects struct {
	puts map[string][]byte
}

func (f *fakeObjects) KeysFor(userID, sessionID string) storage.Keys {
	return storage.Keys{Env: "test", UserID: userID, SessionID: sessionID}
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

type fakeEnqueuer struct {
	submits     []queue.JobPayload
	postProcess []queue.SessionPayload
	cleanups    []queue.SessionPayload
	cleanupAt   time.Time
	cleanupErr  error
	onSubmit    func(queue.JobPayload)
}

func (f *fakeEnqueuer) EnqueueSubmit(_ context.Context, p queue.JobPayload) error {
	f.submits = append(f.submits, p)
	if f.onSubmit != nil {
		f.onSubmit(p)
	}
	return nil
}

func (f *fakeEnqueuer) EnqueuePostProcess(_ context.Context, p queue.SessionPayload) error {
	f.postProcess = append(f.postProcess, p)
	return nil
}

func (f *fakeEnqueuer) EnqueueCleanup(_ context.Context, p queue.SessionPayload, at time.Time) error {
	if f.cleanupErr != nil {
		return f.cleanupErr
	}
	f.cleanups = append(f.cleanups, p)
	f.cleanupAt = at
	return nil
}

func testConfig() Config {
	return Config{
		AllowedTypes:    []string{"application/pdf", "image/png", "image/jpeg"},
		MaxFileSize:     1 << 20,
		MaxSessionPages: 10,
		RetentionWindow: 24 * time.Hour,
		DefaultModelID:  "prebuilt-invoice",
	}
}

func newTestManager(sessions *fakeSessions, jobs *fakeJobs, objects *fakeObjects, enq *fakeEnqueuer, pages PageCounter) *Manager {
	if pages == nil {
		pages = func([]byte) (int, error) { return 1, nil }
	}
	return NewManager(testConfig(), sessions, jobs, objects, enq, pages, zap.NewNop())
}

func TestCreateSinglePageUpload(t *testing.T) {
	sessions := &fakeSessions{}
	jobs := &fakeJobs{}
	objects := &fakeObjects{}
	enq := &fakeEnqueuer{}
	m := newTestManager(sessions, jobs, objects, enq, nil)

	sess, err := m.Create(context.Background(), "user-1", []Upload{
		{Name: "scan.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, model.SessionProcessing, sess.Status)
	assert.Equal(t, 1, sess.TotalFiles)
	assert.Equal(t, 1, sess.TotalPages)
	assert.Equal(t, "prebuilt-invoice", sess.ModelID)

	require.Len(t, jobs.batch, 1)
	assert.Nil(t, jobs.batch[0].ParentID)
	assert.Equal(t, 1, jobs.batch[0].PageNumber)

	// Original stored under the job id, one submit per job, cleanup at expiry.
	assert.Contains(t, objects.puts, objects.KeysFor("user-1", sess.ID).Original(jobs.batch[0].ID))
	require.Len(t, enq.submits, 1)
	assert.Equal(t, jobs.batch[0].ID, enq.submits[0].JobID)
	require.Len(t, enq.cleanups, 1)
	assert.WithinDuration(t, sess.ExpiresAt, enq.cleanupAt, time.Second)
}

func TestCreateFansOutMultiPagePDF(t *testing.T) {
	sessions := &fakeSessions{}
	jobs := &fakeJobs{}
	objects := &fakeObjects{}
	enq := &fakeEnqueuer{}
	m := newTestManager(sessions, jobs, objects, enq, func([]byte) (int, error) { return 3, nil })

	sess, err := m.Create(context.Background(), "user-1", []Upload{
		{Name: "batch.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
	}, "custom-model")
	require.NoError(t, err)

	assert.Equal(t, 3, sess.TotalPages)
	require.Len(t, jobs.batch, 3)
	require.NotNil(t, jobs.batch[0].ParentID)
	parent := *jobs.batch[0].ParentID
	for i, j := range jobs.batch {
		require.NotNil(t, j.ParentID)
		assert.Equal(t, parent, *j.ParentID, "pages share one parent ref")
		assert.Equal(t, i+1, j.PageNumber)
		assert.Equal(t, "batch.pdf", j.FileName)
	}

	// One stored original for the whole file, not one per page.
	require.Len(t, objects.puts, 1)
	assert.Contains(t, objects.puts, objects.KeysFor("user-1", sess.ID).Original(parent))
	assert.Len(t, enq.submits, 3)
	for _, p := range enq.submits {
		assert.Equal(t, "custom-model", p.ModelID)
	}
}

func TestCreateRejectsEmptyUpload(t *testing.T) {
	m := newTestManager(&fakeSessions{}, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{}, nil)
	_, err := m.Create(context.Background(), "u", nil, "")
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestCreateRejectsUnsupportedType(t *testing.T) {
	m := newTestManager(&fakeSessions{}, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{}, nil)
	_, err := m.Create(context.Background(), "u", []Upload{
		{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
	}, "")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCreateRejectsOversizedFile(t *testing.T) {
	m := newTestManager(&fakeSessions{}, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{}, nil)
	_, err := m.Create(context.Background(), "u", []Upload{
		{Name: "big.pdf", ContentType: "application/pdf", Data: make([]byte, (1<<20)+1)},
	}, "")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestCreateRejectsTooManyPages(t *testing.T) {
	m := newTestManager(&fakeSessions{}, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{},
		func([]byte) (int, error) { return 11, nil })
	_, err := m.Create(context.Background(), "u", []Upload{
		{Name: "huge.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	}, "")
	assert.ErrorIs(t, err, ErrTooManyPages)
}

func TestCreateRejectsUnreadablePDF(t *testing.T) {
	m := newTestManager(&fakeSessions{}, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{},
		func([]byte) (int, error) { return 0, errors.New("bad xref") })
	_, err := m.Create(context.Background(), "u", []Upload{
		{Name: "corrupt.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	}, "")
	assert.ErrorIs(t, err, ErrUnreadablePDF)
}

func TestCreateSurvivesCleanupEnqueueFailure(t *testing.T) {
	enq := &fakeEnqueuer{cleanupErr: errors.New("redis down")}
	m := newTestManager(&fakeSessions{}, &fakeJobs{}, &fakeObjects{}, enq, nil)
	sess, err := m.Create(context.Background(), "u", []Upload{
		{Name: "scan.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, model.SessionProcessing, sess.Status)
	assert.Len(t, enq.submits, 1)
}

func TestCreateClaimWinnableWhenJobFinishesDuringEnqueue(t *testing.T) {
	sessions := &fakeSessions{}
	jobs := &fakeJobs{}
	objects := &fakeObjects{}
	enq := &fakeEnqueuer{}
	m := newTestManager(sessions, jobs, objects, enq, nil)

	// A worker can drive the job to terminal before Create returns. The
	// session must already be PROCESSING by then or the claim is lost and
	// post-processing never fires.
	enq.onSubmit = func(p queue.JobPayload) {
		err := m.OnJobTerminal(context.Background(), p.SessionID, p.UserID, model.JobFailed)
		require.NoError(t, err)
	}

	_, err := m.Create(context.Background(), "user-1", []Upload{
		{Name: "scan.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
	}, "")
	require.NoError(t, err)
	assert.Len(t, enq.postProcess, 1)
	assert.Equal(t, model.SessionPostProcessing, sessions.status)
}

func TestOnJobTerminalClaimsPostProcessingExactlyOnce(t *testing.T) {
	sessions := &fakeSessions{total: 3, status: model.SessionProcessing}
	enq := &fakeEnqueuer{}
	m := newTestManager(sessions, &fakeJobs{}, &fakeObjects{}, enq, nil)

	// Two completions and a failure: all three count as processed, only the
	// last one crosses the threshold and claims.
	require.NoError(t, m.OnJobTerminal(context.Background(), "s", "u", model.JobCompleted))
	require.NoError(t, m.OnJobTerminal(context.Background(), "s", "u", model.JobFailed))
	assert.Empty(t, enq.postProcess)
	require.NoError(t, m.OnJobTerminal(context.Background(), "s", "u", model.JobCompleted))
	assert.Len(t, enq.postProcess, 1)
	assert.Equal(t, 1, sessions.claims)
}

func TestOnJobTerminalIgnoresNonCountingStates(t *testing.T) {
	sessions := &fakeSessions{total: 1, status: model.SessionProcessing}
	m := newTestManager(sessions, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{}, nil)
	require.NoError(t, m.OnJobTerminal(context.Background(), "s", "u", model.JobCancelled))
	require.NoError(t, m.OnJobTerminal(context.Background(), "s", "u", model.JobExpired))
	assert.Equal(t, 0, sessions.processed)
}

func TestOnJobTerminalToleratesReapedSession(t *testing.T) {
	sessions := &fakeSessions{incErr: repository.ErrNotFound}
	m := newTestManager(sessions, &fakeJobs{}, &fakeObjects{}, &fakeEnqueuer{}, nil)
	assert.NoError(t, m.OnJobTerminal(context.Background(), "gone", "u", model.JobCompleted))
}

func TestOnJobTerminalLosingClaimEnqueuesNothing(t *testing.T) {
	sessions := &fakeSessions{total: 1, status: model.SessionProcessing, claimed: true}
	enq := &fakeEnqueuer{}
	m := newTestManager(sessions, &fakeJobs{}, &fakeObjects{}, enq, nil)
	require.NoError(t, m.OnJobTerminal(context.Background(), "s", "u", model.JobCompleted))
	assert.Empty(t, enq.postProcess)
}

func TestCancelAbandonsJobs(t *testing.T) {
	sessions := &fakeSessions{}
	jobs := &fakeJobs{batch: []*model.Job{{ID: "a"}, {ID: "b"}}}
	m := newTestManager(sessions, jobs, &fakeObjects{}, &fakeEnqueuer{}, nil)

	require.NoError(t, m.Cancel(context.Background(), "s"))
	assert.Equal(t, 2, jobs.cancelled)

	// A second cancel loses the status race and touches nothing further.
	jobs.cancelled = 0
	require.NoError(t, m.Cancel(context.Background(), "s"))
	assert.Equal(t, 0, jobs.cancelled)
}
