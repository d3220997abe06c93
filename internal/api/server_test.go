package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/config"
	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/queue"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/session"
	"github.com/docupack/docupack/internal/signing"
	"github.com/docupack/docupack/internal/storage"
)

type stubSessions struct {
	byID map[string]*model.Session
}

func (s *stubSessions) Create(_ context.Context, sess *model.Session) error {
	if s.byID == nil {
		s.byID = map[string]*model.Session{}
	}
	s.byID[sess.ID] = sess
	return nil
}

func (s *stubSessions) Get(_ context.Context, id string) (*model.Session, error) {
	sess, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sess, nil
}

func (s *stubSessions) MarkProcessing(_ context.Context, _ string) (bool, error) { return true, nil }

func (s *stubSessions) IncrementProcessed(_ context.Context, _ string) (int, int, error) {
	return 0, 0, nil
}

func (s *stubSessions) ClaimPostProcessing(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (s *stubSessions) Cancel(_ context.Context, id string) (bool, error) {
	if sess, ok := s.byID[id]; ok {
		sess.Status = model.SessionCancelled
	}
	return true, nil
}

type stubJobs struct {
	bySession map[string][]*model.Job
}

func (s *stubJobs) CreateBatch(_ context.Context, jobs []*model.Job) error {
	if s.bySession == nil {
		s.bySession = map[string][]*model.Job{}
	}
	for _, j := range jobs {
		s.bySession[j.SessionID] = append(s.bySession[j.SessionID], j)
	}
	return nil
}

func (s *stubJobs) ListBySession(_ context.Context, sessionID string) ([]*model.Job, error) {
	return s.bySession[sessionID], nil
}

func (s *stubJobs) CancelForSession(_ context.Context, sessionID string) (int, error) {
	return len(s.bySession[sessionID]), nil
}

type stubObjects struct{}

func (stubObjects) KeysFor(userID, sessionID string) storage.Keys {
	return storage.Keys{Env: "test", UserID: userID, SessionID: sessionID}
}

func (stubObjects) Put(_ context.Context, _ string, _ []byte, _ string) error { return nil }

type stubEnqueuer struct{}

func (stubEnqueuer) EnqueueSubmit(_ context.Context, _ queue.JobPayload) error      { return nil }
func (stubEnqueuer) EnqueuePostProcess(_ context.Context, _ queue.SessionPayload) error { return nil }
func (stubEnqueuer) EnqueueCleanup(_ context.Context, _ queue.SessionPayload, _ time.Time) error {
	return nil
}

func testServer(t *testing.T) (*Server, *stubSessions, *signing.Signer) {
	t.Helper()
	cfg := &config.Config{
		Address:         ":0",
		MaxFileSize:     1 << 20,
		AllowedTypes:    []string{"application/pdf", "image/png", "image/jpeg"},
		MaxSessionPages: 20,
		RetentionWindow: 24 * time.Hour,
		DefaultModelID:  "prebuilt-invoice",
		SignedURLTTL:    5 * time.Minute,
	}
	sessions := &stubSessions{}
	manager := session.NewManager(session.Config{
		AllowedTypes:    cfg.AllowedTypes,
		MaxFileSize:     cfg.MaxFileSize,
		MaxSessionPages: cfg.MaxSessionPages,
		RetentionWindow: cfg.RetentionWindow,
		DefaultModelID:  cfg.DefaultModelID,
	}, sessions, &stubJobs{}, stubObjects{}, stubEnqueuer{}, func([]byte) (int, error) { return 1, nil }, zap.NewNop())
	signer := signing.NewSigner([]byte("test-secret"))
	srv := New(cfg, manager, nil, signer, nil, zap.NewNop())
	return srv, sessions, signer
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("files", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadRequiresUserHeader(t *testing.T) {
	srv, _, _ := testServer(t)
	body, contentType := multipartBody(t, "scan.pdf", []byte("%PDF-1.4 test"))
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_user")
}

func TestUploadAcceptsPDF(t *testing.T) {
	srv, sessions, _ := testServer(t)
	body, contentType := multipartBody(t, "scan.pdf", []byte("%PDF-1.4 test content"))
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		SessionID  string `json:"sessionId"`
		Status     string `json:"status"`
		TotalPages int    `json:"totalPages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, string(model.SessionProcessing), resp.Status)
	assert.Equal(t, 1, resp.TotalPages)
	assert.Contains(t, sessions.byID, resp.SessionID)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	srv, _, _ := testServer(t)
	body, contentType := multipartBody(t, "notes.txt", []byte("plain text, not a document"))
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_type")
}

func TestUploadRejectsEmptyForm(t *testing.T) {
	srv, _, _ := testServer(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/sessions", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_files")
}

func TestStatusUnknownSession(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusIncludesSignedDownloadLink(t *testing.T) {
	srv, sessions, signer := testServer(t)
	bundle := "test/user-1/sess-1/bundle.zip"
	sessions.byID = map[string]*model.Session{"sess-1": {
		ID:             "sess-1",
		UserID:         "user-1",
		Status:         model.SessionCompleted,
		TotalPages:     2,
		ProcessedPages: 2,
		BundleKey:      &bundle,
	}}

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Percent     float64 `json:"percent"`
		DownloadURL string  `json:"downloadUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 100.0, resp.Percent)
	require.NotEmpty(t, resp.DownloadURL)

	// The embedded link must pass the same validation the download route uses.
	u, err := url.Parse(resp.DownloadURL)
	require.NoError(t, err)
	assert.True(t, signer.Validate("sess-1", u.Query().Get("expires"), u.Query().Get("sig"), time.Now().Unix()))
}

func TestStatusOmitsDownloadLinkWhileProcessing(t *testing.T) {
	srv, sessions, _ := testServer(t)
	sessions.byID = map[string]*model.Session{"sess-1": {
		ID: "sess-1", Status: model.SessionProcessing, TotalPages: 4, ProcessedPages: 1,
	}}

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "downloadUrl")
}

func TestDownloadRejectsBadSignature(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	target := fmt.Sprintf("/sessions/sess-1/download?expires=%d&sig=forged", time.Now().Add(time.Hour).Unix())
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadNotReady(t *testing.T) {
	srv, sessions, signer := testServer(t)
	sessions.byID = map[string]*model.Session{"sess-1": {ID: "sess-1", Status: model.SessionProcessing}}
	expires := time.Now().Add(time.Hour).Unix()
	target := fmt.Sprintf("/sessions/sess-1/download?expires=%d&sig=%s", expires, signer.Sign("sess-1", expires))

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

func TestCancelSession(t *testing.T) {
	srv, sessions, _ := testServer(t)
	sessions.byID = map[string]*model.Session{"sess-1": {ID: "sess-1", Status: model.SessionProcessing}}

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/sess-1/cancel", strings.NewReader("")))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.SessionCancelled, sessions.byID["sess-1"].Status)
}

func TestCancelUnknownSession(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/nope/cancel", strings.NewReader("")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
