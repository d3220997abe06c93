// Package api exposes the HTTP endpoints for uploads, session visibility,
// bundle download and cancellation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/config"
	"github.com/docupack/docupack/internal/ledger"
	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/session"
	"github.com/docupack/docupack/internal/signing"
	"github.com/docupack/docupack/internal/storage"
)

// Server wires the session manager and its collaborators into HTTP routes.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	store   *storage.Gateway
	signer  *signing.Signer
	credits *ledger.Ledger
	logger  *zap.Logger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, manager *session.Manager, store *storage.Gateway, signer *signing.Signer, credits *ledger.Ledger, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   store,
		signer:  signer,
		credits: credits,
		logger:  logger,
	}
}

// routes assembles the router. Exposed separately from Run so handler tests
// can drive it without a listening socket.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-User-ID"},
	}))
	r.Use(s.requestLogger)
	r.Get("/healthz", s.handleHealth)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/download", s.handleDownload)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Post("/users/{id}/credits", s.handleCredit)
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.routes(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", zap.String("addr", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user", "X-User-ID header required")
		return
	}
	// Generous whole-request ceiling; per-file limits are enforced below.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize*int64(s.cfg.MaxSessionPages/10+1))
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_multipart", "expecting multipart form")
		return
	}

	var (
		uploads []session.Upload
		modelID string
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad_multipart", err.Error())
			return
		}
		if part.FileName() == "" {
			if part.FormName() == "model" {
				val, _ := io.ReadAll(io.LimitReader(part, 256))
				modelID = strings.TrimSpace(string(val))
			}
			part.Close()
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, s.cfg.MaxFileSize+1))
		part.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "read_failed", err.Error())
			return
		}
		sniff := data
		if len(sniff) > 512 {
			sniff = sniff[:512]
		}
		uploads = append(uploads, session.Upload{
			Name:        part.FileName(),
			ContentType: http.DetectContentType(sniff),
			Data:        data,
		})
	}

	sess, err := s.manager.Create(r.Context(), userID, uploads, modelID)
	if err != nil {
		s.respondCreateError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"sessionId":  sess.ID,
		"status":     sess.Status,
		"totalFiles": sess.TotalFiles,
		"totalPages": sess.TotalPages,
		"expiresAt":  sess.ExpiresAt,
	})
}

func (s *Server) respondCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoFiles):
		respondError(w, http.StatusBadRequest, "no_files", "upload at least one file")
	case errors.Is(err, session.ErrUnsupportedType):
		respondError(w, http.StatusUnsupportedMediaType, "unsupported_type", err.Error())
	case errors.Is(err, session.ErrFileTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "file_too_large", err.Error())
	case errors.Is(err, session.ErrTooManyPages):
		respondError(w, http.StatusRequestEntityTooLarge, "too_many_pages", err.Error())
	case errors.Is(err, session.ErrUnreadablePDF):
		respondError(w, http.StatusBadRequest, "unreadable_pdf", err.Error())
	default:
		s.logger.Error("create session", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to create session")
	}
}

type jobView struct {
	ID     string          `json:"id"`
	Status model.JobStatus `json:"status"`
	File   string          `json:"file"`
	Page   int             `json:"page"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.manager.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		s.logger.Error("session status", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}

	jobs := make([]jobView, 0, len(view.Jobs))
	for _, j := range view.Jobs {
		jv := jobView{ID: j.ID, Status: j.Status, File: j.FileName, Page: j.PageNumber}
		if j.OutputName != nil {
			jv.Output = *j.OutputName
		}
		if j.ErrorMessage != nil {
			jv.Error = *j.ErrorMessage
		}
		jobs = append(jobs, jv)
	}
	sess := view.Session
	percent := 0.0
	if sess.TotalPages > 0 {
		percent = float64(sess.ProcessedPages) / float64(sess.TotalPages) * 100
	}
	body := map[string]any{
		"sessionId":      sess.ID,
		"status":         sess.Status,
		"totalFiles":     sess.TotalFiles,
		"totalPages":     sess.TotalPages,
		"processedPages": sess.ProcessedPages,
		"percent":        percent,
		"expiresAt":      sess.ExpiresAt,
		"jobs":           jobs,
	}
	if sess.Status == model.SessionCompleted && sess.BundleKey != nil {
		expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
		body["downloadUrl"] = fmt.Sprintf("/sessions/%s/download?expires=%d&sig=%s",
			sess.ID, expires, s.signer.Sign(sess.ID, expires))
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	expires := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("sig")
	if !s.signer.Validate(id, expires, sig, time.Now().Unix()) {
		respondError(w, http.StatusForbidden, "bad_signature", "invalid or expired download link")
		return
	}
	view, err := s.manager.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		s.logger.Error("session download", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}
	sess := view.Session
	if sess.Status != model.SessionCompleted || sess.BundleKey == nil {
		respondError(w, http.StatusConflict, "not_ready", "bundle not available yet")
		return
	}
	url, err := s.store.PresignGet(r.Context(), *sess.BundleKey, s.cfg.SignedURLTTL)
	if err != nil {
		s.logger.Error("presign bundle", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to generate url")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.manager.Status(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		s.logger.Error("session cancel", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		s.logger.Error("session cancel", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to cancel session")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": string(model.SessionCancelled)})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req struct {
		Amount int64  `json:"amount"`
		Type   string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "positive amount required")
		return
	}
	txType := model.TxPurchase
	switch model.TransactionType(req.Type) {
	case model.TxRefund:
		txType = model.TxRefund
	case model.TxAdjustment:
		txType = model.TxAdjustment
	}
	balance, err := s.credits.Credit(r.Context(), userID, req.Amount, txType, "")
	if err != nil {
		s.logger.Error("credit user", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "failed to credit")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

// respondError always pairs a machine code with a human message; internal
// detail stays in the logs.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "message": message})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
