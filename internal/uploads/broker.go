// Package uploads brokers direct-to-bucket image uploads and signed
// artifact downloads against any S3-compatible object store.
package uploads

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Slot is a time-limited credential for uploading one pet image. The
// object key is bound to a pre-generated job id so the later /process
// call can be correlated with the upload.
type Slot struct {
	JobID     uuid.UUID
	UploadURL string
	Fields    map[string]string
	ExpiresIn int
}

// ObjectInfo describes an uploaded object's shape.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Broker is the collaborator interface consumed by the intake gateway
// and the result reader.
type Broker interface {
	IssueUploadSlot(ctx context.Context) (*Slot, error)
	StatObject(ctx context.Context, ref string) (*ObjectInfo, error)
	SignDownload(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// ParseRef splits an s3://bucket/key object reference.
func ParseRef(ref string) (bucket, key string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(ref, scheme) {
		return "", "", fmt.Errorf("object reference must start with %s", scheme)
	}
	rest := strings.TrimPrefix(ref, scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object reference must be of the form s3://bucket/key")
	}
	return bucket, key, nil
}

// AllowedImageTypes are the upload content types the pipeline accepts.
var AllowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/heic": true,
}
