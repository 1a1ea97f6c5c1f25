//go:build gcp

package backup

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSMirror uploads backup files to a Cloud Storage bucket.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSMirror(ctx context.Context, bucket, prefix string) (Mirror, error) {
	// ADC
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSMirror{client: client, bucket: bucket, prefix: prefix}, nil
}

func (m *GCSMirror) Put(ctx context.Context, key string, data []byte) error {
	w := m.client.Bucket(m.bucket).Object(m.prefix + key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (m *GCSMirror) String() string {
	return "gs://" + m.bucket + "/" + m.prefix
}
