package qart

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDirStore_UploadListDownload(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())
	if err := store.EnsureBucket(ctx); err != nil {
		t.Fatal(err)
	}

	key := RunArtifactKey("run-1", "stderr.log")
	art, err := store.Upload(ctx, key, strings.NewReader("engine crashed"), -1, ContentTypeFor("stderr.log"), map[string]string{"run_id": "run-1"})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if art.Size != int64(len("engine crashed")) {
		t.Errorf("unexpected size %d", art.Size)
	}

	list, err := store.List(ctx, RunArtifactPrefix("run-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Key != key || list[0].ContentType != "text/plain" {
		t.Fatalf("unexpected listing: %+v", list)
	}
	if list[0].Metadata["run_id"] != "run-1" {
		t.Errorf("metadata not preserved: %+v", list[0].Metadata)
	}

	rc, err := store.Download(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "engine crashed" {
		t.Errorf("unexpected content %q", data)
	}

	url, err := store.GetPresignedURL(ctx, key, 0)
	if err != nil || !strings.HasPrefix(url, "file://") {
		t.Errorf("unexpected url %q, %v", url, err)
	}

	if err := store.DeletePrefix(ctx, RunArtifactPrefix("run-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Download(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDirStore_RejectsEscapingKeys(t *testing.T) {
	store := NewDirStore(t.TempDir())
	if _, err := store.Upload(context.Background(), "../evil", strings.NewReader("x"), -1, "", nil); err == nil {
		t.Fatal("expected error for escaping key")
	}
}
