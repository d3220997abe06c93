package postprocess

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docupack/docupack/internal/model"
	"github.com/docupack/docupack/internal/storage"
)

// ObjectStore is the slice of the storage gateway the bundler needs.
type ObjectStore interface {
	KeysFor(userID, sessionID string) storage.Keys
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// manifestEntry reports one page's outcome inside the bundle, so failed
// pages are visible to the user alongside the renamed successes.
type manifestEntry struct {
	SourceFile string `json:"sourceFile"`
	Page       int    `json:"page"`
	Status     string `json:"status"`
	OutputFile string `json:"outputFile,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
	Unbilled   bool   `json:"unbilled,omitempty"`
}

// Bundler assembles the downloadable package for a finished session.
type Bundler struct {
	store       ObjectStore
	namer       *Namer
	columns     []string
	concurrency int
	logger      *zap.Logger
}

// NewBundler constructs a Bundler.
func NewBundler(store ObjectStore, namer *Namer, columns []string, concurrency int, logger *zap.Logger) *Bundler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Bundler{store: store, namer: namer, columns: columns, concurrency: concurrency, logger: logger}
}

// Run builds and uploads the bundle and report for the session and returns
// their storage keys. Completed jobs are renamed and included; failed jobs
// are reported in the manifest only.
func (b *Bundler) Run(ctx context.Context, sess *model.Session, jobs []*model.Job) (bundleKey, reportKey string, err error) {
	keys := b.store.KeysFor(sess.UserID, sess.ID)
	names := newUniqueNames()

	type staged struct {
		job  *model.Job
		name string
		data []byte
	}
	var (
		mu      sync.Mutex
		pages   []staged
		manifs  []manifestEntry
		claimed = map[string]string{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, job := range jobs {
		if job.Status != model.JobCompleted {
			mu.Lock()
			manifs = append(manifs, manifestEntry{
				SourceFile: job.FileName,
				Page:       job.PageNumber,
				Status:     string(job.Status),
				ErrorCode:  deref(job.ErrorCode),
				Error:      deref(job.ErrorMessage),
			})
			mu.Unlock()
			continue
		}
		name := b.namer.Derive(job.Fields, job.FileName, job.PageNumber)
		mu.Lock()
		name = names.claim(name)
		claimed[job.ID] = name
		mu.Unlock()
		job := job
		outName := name
		g.Go(func() error {
			data, err := b.store.Get(gctx, keys.Page(job.ID))
			if err != nil {
				return fmt.Errorf("fetch page %s: %w", job.ID, err)
			}
			if err := b.store.Put(gctx, keys.Processed(outName), data, job.ContentType); err != nil {
				return fmt.Errorf("store processed %s: %w", outName, err)
			}
			mu.Lock()
			pages = append(pages, staged{job: job, name: outName, data: data})
			manifs = append(manifs, manifestEntry{
				SourceFile: job.FileName,
				Page:       job.PageNumber,
				Status:     string(job.Status),
				OutputFile: outName,
				Unbilled:   job.Unbilled,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", "", err
	}

	// The report must show the same filenames that land in the zip, so it
	// gets the deduped names rather than the ones stored at completion.
	report, err := BuildReport(b.columns, jobs, claimed)
	if err != nil {
		return "", "", fmt.Errorf("build report: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range pages {
		w, err := zw.Create(p.name)
		if err != nil {
			return "", "", fmt.Errorf("zip entry %s: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			return "", "", fmt.Errorf("zip write %s: %w", p.name, err)
		}
	}
	if w, err := zw.Create("report.xlsx"); err != nil {
		return "", "", fmt.Errorf("zip report: %w", err)
	} else if _, err := w.Write(report); err != nil {
		return "", "", fmt.Errorf("zip report write: %w", err)
	}
	manifest, err := json.MarshalIndent(manifs, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal manifest: %w", err)
	}
	if w, err := zw.Create("manifest.json"); err != nil {
		return "", "", fmt.Errorf("zip manifest: %w", err)
	} else if _, err := w.Write(manifest); err != nil {
		return "", "", fmt.Errorf("zip manifest write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", "", fmt.Errorf("close zip: %w", err)
	}

	bundleKey = keys.Bundle()
	reportKey = keys.Report()
	if err := b.store.Put(ctx, reportKey, report, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
		return "", "", fmt.Errorf("upload report: %w", err)
	}
	if err := b.store.Put(ctx, bundleKey, buf.Bytes(), "application/zip"); err != nil {
		return "", "", fmt.Errorf("upload bundle: %w", err)
	}

	b.logger.Info("bundle assembled",
		zap.String("session", sess.ID),
		zap.Int("pages", len(pages)),
		zap.Int("bundleBytes", buf.Len()),
		zap.Duration("retentionLeft", time.Until(sess.ExpiresAt)))
	return bundleKey, reportKey, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
