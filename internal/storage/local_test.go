package storage

import (
	"context"
	"errors"
	"testing"
)

func TestLocalStorePutGetRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	payload := []byte("segment bytes")
	if err := store.Put(ctx, "segments/metrics/chunk-1.seg", payload); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := store.Get(ctx, "segments/metrics/chunk-1.seg")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected %q, got %q", payload, got)
	}
}

func TestLocalStoreGetMissingKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = store.Get(context.Background(), "segments/missing.seg")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestLocalStoreDeleteIsIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "segments/a.seg", []byte("x")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Delete(ctx, "segments/a.seg"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	// Second delete of the same key must not fail
	if err := store.Delete(ctx, "segments/a.seg"); err != nil {
		t.Fatalf("repeated delete failed: %v", err)
	}

	exists, err := store.Exists(ctx, "segments/a.seg")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists {
		t.Error("blob should not exist after delete")
	}
}

func TestLocalStoreListByPrefix(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{
		"segments/metrics/a.seg",
		"segments/metrics/b.seg",
		"segments/events/c.seg",
	} {
		if err := store.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("put %s failed: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "segments/metrics/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
	if keys[0] != "segments/metrics/a.seg" || keys[1] != "segments/metrics/b.seg" {
		t.Errorf("unexpected keys: %v", keys)
	}
}
