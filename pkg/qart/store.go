// Package qart archives run diagnostics (engine logs, config, exported input)
// so they survive the scratch directory being purged.
package qart

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("artifact not found")
	ErrBucketMissing = errors.New("bucket does not exist")
)

// Artifact represents a stored artifact with metadata.
type Artifact struct {
	Key          string            `json:"key"`           // e.g. "runs/<runID>/stderr.log"
	Bucket       string            `json:"bucket"`        // bucket or root directory
	Size         int64             `json:"size"`          // Size in bytes
	ContentType  string            `json:"content_type"`  // MIME type
	LastModified time.Time         `json:"last_modified"` // Last modification time
	Metadata     map[string]string `json:"metadata"`      // Custom metadata
	URL          string            `json:"url,omitempty"` // Presigned URL (when requested)
}

// Store defines the interface for artifact storage operations.
type Store interface {
	// Upload stores data under key. size may be -1 when unknown.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*Artifact, error)

	// Download retrieves an artifact by key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetPresignedURL generates a URL for downloading an artifact.
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// List lists all artifacts with the given prefix.
	List(ctx context.Context, prefix string) ([]*Artifact, error)

	// Delete removes an artifact by key.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all artifacts with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// EnsureBucket ensures the bucket exists, creating it if necessary.
	EnsureBucket(ctx context.Context) error
}

// RunArtifactPrefix returns the prefix for a run's artifacts.
func RunArtifactPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// RunArtifactKey returns the full key for a run artifact.
func RunArtifactKey(runID, filename string) string {
	return RunArtifactPrefix(runID) + filename
}

// ContentTypeFor guesses a content type from a diagnostic file name.
func ContentTypeFor(filename string) string {
	switch path.Ext(filename) {
	case ".json":
		return "application/json"
	case ".glb":
		return "model/gltf-binary"
	case ".log", ".ini", ".cfg":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
