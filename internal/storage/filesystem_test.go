package storage

import (
	"context"
	"testing"
)

func TestFileStoreWriteReadRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key, err := store.Write(context.Background(), "generated/videos/job-1/video.mp4", []byte("payload"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "generated/videos/job-1/video.mp4" {
		t.Fatalf("unexpected key %q", key)
	}

	data, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected data %q", data)
	}

	if got, want := store.URL(key), "http://localhost:8080/static/generated/videos/job-1/video.mp4"; got != want {
		t.Fatalf("URL = %q, want %q", got, want)
	}
}

func TestFileStoreRemove(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	key, err := store.Write(context.Background(), "uploads/job-1/endFrame.png", []byte("x"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Read(context.Background(), key); err == nil {
		t.Fatal("expected read of removed key to fail")
	}
	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("Remove of absent key: %v", err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	cases := []string{"", "../escape.mp4", "a/../../escape.mp4"}
	for _, key := range cases {
		if _, err := store.Write(context.Background(), key, []byte("x")); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}
