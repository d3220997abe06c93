// Package storage wraps MinIO/S3 interactions for all session artifacts.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/docupack/docupack/internal/config"
)

// Gateway is a byte-level put/get/list/delete store with presigned reads,
// scoped to one bucket.
type Gateway struct {
	client *minio.Client
	bucket string
	region string
	env    string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Gateway, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Gateway{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.S3Region,
		env:    cfg.EnvPrefix,
	}, nil
}

// KeysFor returns the key builder for one session's namespace.
func (g *Gateway) KeysFor(userID, sessionID string) Keys {
	return Keys{Env: g.env, UserID: userID, SessionID: sessionID}
}

// EnsureBucket makes sure the bucket exists before use.
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", g.bucket, err)
	}
	if !exists {
		if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{Region: g.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", g.bucket, err)
		}
	}
	return nil
}

// Put uploads a byte buffer at key.
func (g *Gateway) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := g.client.PutObject(ctx, g.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get fetches the bytes stored at key.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf, nil
}

// RemovePrefix deletes every object under prefix, tolerating objects that
// are already gone. It returns the number deleted and any non-missing
// errors encountered; it keeps going past individual failures.
func (g *Gateway) RemovePrefix(ctx context.Context, prefix string) (int, []error) {
	var (
		deleted int
		errs    []error
	)
	for obj := range g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", prefix, obj.Err))
			continue
		}
		err := g.client.RemoveObject(ctx, g.bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil {
			var resp minio.ErrorResponse
			if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
				continue
			}
			errs = append(errs, fmt.Errorf("remove %s: %w", obj.Key, err))
			continue
		}
		deleted++
	}
	return deleted, errs
}

// PresignGet returns a time-limited GET URL for key.
func (g *Gateway) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.client.PresignedGetObject(ctx, g.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
