package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// NewMirrorFromURL builds a mirror from an s3:// or gs:// URL. The path
// component becomes the key prefix. An empty URL means no mirror.
//
// S3 honours AWS_REGION (default us-east-1) and, for MinIO or LocalStack,
// INSTRUCTIONS_BACKUP_S3_ENDPOINT.
func NewMirrorFromURL(ctx context.Context, raw string) (Mirror, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mirror url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mirror url %q has no bucket", raw)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	switch u.Scheme {
	case "s3":
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Mirror(ctx, S3MirrorConfig{
			Bucket:   u.Host,
			Region:   region,
			Endpoint: os.Getenv("INSTRUCTIONS_BACKUP_S3_ENDPOINT"),
			Prefix:   prefix,
		})
	case "gs":
		return newGCSMirror(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported mirror scheme: %s", u.Scheme)
	}
}
