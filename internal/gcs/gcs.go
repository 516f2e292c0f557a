// Package gcs stages transient audio objects in a Google Cloud Storage
// bucket for long-running recognition. Objects live under a fixed prefix,
// are named by the caller (UUID-suffixed), and are disposed of per the
// configured cleanup policy so nothing is left behind.
package gcs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
)

// DefaultPrefix is where transient uploads live inside the bucket.
const DefaultPrefix = "discord_uploads/"

// Store writes and deletes transient objects in one bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string

	immediateDelete bool
	deleteDelay     time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPrefix overrides the object name prefix. The default is
// "discord_uploads/".
func WithPrefix(p string) StoreOption {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithImmediateDelete deletes objects as soon as recognition finishes.
func WithImmediateDelete(v bool) StoreOption {
	return func(s *Store) { s.immediateDelete = v }
}

// WithDeleteDelay schedules best-effort deletion after d instead of
// deleting immediately. Ignored when immediate deletion is enabled.
func WithDeleteDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.deleteDelay = d
		}
	}
}

// NewStore creates a Store for the given bucket. The client is owned by the
// caller. When neither cleanup knob is configured, immediate deletion is
// used so objects can never leak.
func NewStore(client *storage.Client, bucket string, opts ...StoreOption) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs: bucket must not be empty")
	}
	s := &Store{
		client: client,
		bucket: bucket,
		prefix: DefaultPrefix,
	}
	for _, o := range opts {
		o(s)
	}
	if !s.immediateDelete && s.deleteDelay == 0 {
		s.immediateDelete = true
	}
	return s, nil
}

// Put writes data under the prefixed name and returns its gs:// URI.
func (s *Store) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	obj := s.prefix + name
	w := s.client.Bucket(s.bucket).Object(obj).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs: write %s: %w", obj, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: close %s: %w", obj, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, obj), nil
}

// Delete removes the prefixed object immediately.
func (s *Store) Delete(ctx context.Context, name string) error {
	obj := s.prefix + name
	if err := s.client.Bucket(s.bucket).Object(obj).Delete(ctx); err != nil {
		return fmt.Errorf("gcs: delete %s: %w", obj, err)
	}
	return nil
}

// Cleanup disposes of the object per policy. With immediate deletion the
// object is removed now; otherwise a best-effort delayed deletion is
// scheduled. The recognized flag only affects logging: failure-path
// cleanups are noisier.
func (s *Store) Cleanup(ctx context.Context, name string, recognized bool) {
	if s.immediateDelete {
		if err := s.Delete(ctx, name); err != nil {
			slog.Warn("gcs: cleanup delete failed", "name", name, "recognized", recognized, "err", err)
		}
		return
	}

	go func() {
		timer := time.NewTimer(s.deleteDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// Still try to delete; a cancelled request must not leak
			// its object.
		case <-timer.C:
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.Delete(dctx, name); err != nil {
			slog.Warn("gcs: delayed delete failed", "name", name, "err", err)
			return
		}
		slog.Debug("gcs: deleted transient object", "name", name, "delay", s.deleteDelay)
	}()
}

// Ping verifies the bucket is reachable with the current credentials. Used
// by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Bucket(s.bucket).Attrs(ctx)
	if err != nil {
		return fmt.Errorf("gcs: bucket %s: %w", s.bucket, err)
	}
	return nil
}
