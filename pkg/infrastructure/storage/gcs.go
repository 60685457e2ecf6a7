package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"

	shared "github.com/fitglue/ride-ingest/pkg"
)

// StorageAdapter provides blob storage operations using Google Cloud Storage
type StorageAdapter struct {
	Client *storage.Client
}

func (a *StorageAdapter) Write(ctx context.Context, bucketName, objectName string, data []byte) error {
	wc := a.Client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/octet-stream"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (a *StorageAdapter) Read(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	rc, err := a.Client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// RawArchive keeps a copy of every fetched activity file so an event can be
// reprocessed without fetching from the provider again.
type RawArchive struct {
	Store  shared.BlobStore
	Bucket string
}

// ObjectName is raw/{userId}/{eventId}.{fileType}.
func ObjectName(userID, eventID, fileType string) string {
	if fileType == "" {
		fileType = shared.DefaultFileType
	}
	return fmt.Sprintf("raw/%s/%s.%s", userID, eventID, fileType)
}

// Enabled reports whether a bucket is configured.
func (a *RawArchive) Enabled() bool {
	return a != nil && a.Store != nil && a.Bucket != ""
}

// Put stores data. Failures are logged and returned; callers treat them as
// non-fatal.
func (a *RawArchive) Put(ctx context.Context, userID, eventID, fileType string, data []byte) error {
	if !a.Enabled() {
		return nil
	}
	object := ObjectName(userID, eventID, fileType)
	if err := a.Store.Write(ctx, a.Bucket, object, data); err != nil {
		slog.WarnContext(ctx, "Failed to archive raw payload", "object", object, "error", err)
		return fmt.Errorf("archive %s: %w", object, err)
	}
	return nil
}

// Get returns a previously archived file.
func (a *RawArchive) Get(ctx context.Context, userID, eventID, fileType string) ([]byte, error) {
	if !a.Enabled() {
		return nil, fmt.Errorf("raw archive not configured")
	}
	return a.Store.Read(ctx, a.Bucket, ObjectName(userID, eventID, fileType))
}
