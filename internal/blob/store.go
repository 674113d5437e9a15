// Package blob stores uploaded archives in object storage, namespaced by
// user id.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNotFound is returned when no object exists at the requested path.
var ErrNotFound = errors.New("object not found")

// Store is the blob storage contract the pipeline consumes.
type Store interface {
	PutObject(ctx context.Context, path string, data []byte) error
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// ArchivePath namespaces an upload under its owning user.
func ArchivePath(userID, jobID string) string {
	return fmt.Sprintf("archives/%s/%s.zip", userID, jobID)
}

type gcsStore struct {
	log    *slog.Logger
	client *storage.Client
	bucket string
}

// NewGCSStore creates a Store backed by a Google Cloud Storage bucket.
func NewGCSStore(ctx context.Context, log *slog.Logger, bucket string) (Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	var client *storage.Client
	var err error
	if saPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		client, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsStore{
		log:    log.With("component", "blob"),
		client: client,
		bucket: bucket,
	}, nil
}

func (s *gcsStore) PutObject(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write object %q: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish object %q: %w", path, err)
	}
	return nil
}

func (s *gcsStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open object %q: %w", path, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			s.log.Warn("failed to close object reader", "path", path, "error", err)
		}
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", path, err)
	}
	return data, nil
}

func (s *gcsStore) DeleteObject(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.client.Bucket(s.bucket).Object(path).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete object %q: %w", path, err)
	}
	return nil
}
