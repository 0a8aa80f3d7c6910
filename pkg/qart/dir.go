package qart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirStore implements Store on the local filesystem. Metadata is kept in a
// sidecar "<file>.meta.json".
type DirStore struct {
	root string
}

const metaSuffix = ".meta.json"

type dirMeta struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewDirStore creates a DirStore rooted at root.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// EnsureBucket creates the root directory.
func (s *DirStore) EnsureBucket(_ context.Context) error {
	return os.MkdirAll(s.root, 0o755)
}

// Upload copies reader into root/key.
func (s *DirStore) Upload(_ context.Context, key string, reader io.Reader, _ int64, contentType string, metadata map[string]string) (*Artifact, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(dirMeta{ContentType: contentType, Metadata: metadata})
	if err := os.WriteFile(p+metaSuffix, meta, 0o644); err != nil {
		return nil, err
	}

	return &Artifact{
		Key:          key,
		Bucket:       s.root,
		Size:         n,
		ContentType:  contentType,
		LastModified: time.Now(),
		Metadata:     metadata,
	}, nil
}

// Download opens root/key.
func (s *DirStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// GetPresignedURL returns a file:// URL; local files need no signing.
func (s *DirStore) GetPresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// List walks root and returns artifacts whose key starts with prefix.
func (s *DirStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	var artifacts []*Artifact
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		a := &Artifact{Key: key, Bucket: s.root, Size: info.Size(), LastModified: info.ModTime()}
		if raw, err := os.ReadFile(p + metaSuffix); err == nil {
			var m dirMeta
			if json.Unmarshal(raw, &m) == nil {
				a.ContentType = m.ContentType
				a.Metadata = m.Metadata
			}
		}
		artifacts = append(artifacts, a)
		return nil
	})
	return artifacts, err
}

// Delete removes root/key and its sidecar.
func (s *DirStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(p + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeletePrefix removes every artifact under prefix.
func (s *DirStore) DeletePrefix(ctx context.Context, prefix string) error {
	artifacts, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if err := s.Delete(ctx, a.Key); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*DirStore)(nil)
