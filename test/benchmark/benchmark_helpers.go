package benchmark

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/chronotable/chronotable/internal/storage"
)

// PrefixedStore wraps a BlobStore and prepends a prefix to every key, so
// concurrent benchmark runs against a shared bucket stay isolated.
type PrefixedStore struct {
	inner  storage.BlobStore
	prefix string
}

func (s *PrefixedStore) Put(ctx context.Context, key string, data []byte) error {
	return s.inner.Put(ctx, s.prefix+"/"+key, data)
}

func (s *PrefixedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+"/"+key)
}

func (s *PrefixedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+"/"+key)
}

func (s *PrefixedStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, s.prefix+"/"+key)
}

func (s *PrefixedStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.List(ctx, s.prefix+"/"+prefix)
	if err != nil {
		return nil, err
	}
	stripped := make([]string, len(keys))
	for i, k := range keys {
		if len(k) > len(s.prefix)+1 {
			stripped[i] = k[len(s.prefix)+1:]
		} else {
			stripped[i] = k
		}
	}
	return stripped, nil
}

// getBenchmarkStorage returns a blob store for benchmarks. It respects
// CHRONO_STORAGE_TYPE=s3 from .env or the environment; the default is a
// local temp-dir store.
func getBenchmarkStorage(b *testing.B, benchName string) (storage.BlobStore, func()) {
	b.Helper()

	// Credentials and bucket settings may live in the project .env.
	_ = godotenv.Load("../../.env")

	if os.Getenv("CHRONO_STORAGE_TYPE") == "s3" {
		if v := os.Getenv("CHRONO_AWS_ACCESS_KEY_ID"); v != "" {
			os.Setenv("AWS_ACCESS_KEY_ID", v)
		}
		if v := os.Getenv("CHRONO_AWS_SECRET_ACCESS_KEY"); v != "" {
			os.Setenv("AWS_SECRET_ACCESS_KEY", v)
		}

		bucket := os.Getenv("CHRONO_S3_BUCKET")
		if bucket == "" {
			b.Fatal("CHRONO_S3_BUCKET is required for s3 benchmarks")
		}

		st, err := storage.NewS3Store(context.Background(), bucket, storage.S3Config{
			Region:       os.Getenv("CHRONO_S3_REGION"),
			Endpoint:     os.Getenv("CHRONO_S3_ENDPOINT"),
			UsePathStyle: os.Getenv("CHRONO_S3_USE_PATH_STYLE") == "true",
		})
		if err != nil {
			b.Fatalf("failed to initialize S3 storage: %v", err)
		}

		prefix := fmt.Sprintf("bench/%s/%d", benchName, time.Now().UnixNano())
		b.Logf("running against s3 bucket %s, prefix %s", bucket, prefix)

		// S3 cleanup is left to bucket lifecycle rules so failed runs can
		// be inspected.
		return &PrefixedStore{inner: st, prefix: prefix}, func() {}
	}

	dir, err := os.MkdirTemp("", "chronotable-bench-"+benchName+"-*")
	if err != nil {
		b.Fatal(err)
	}
	st, err := storage.NewLocalStore(dir)
	if err != nil {
		os.RemoveAll(dir)
		b.Fatal(err)
	}
	return st, func() { os.RemoveAll(dir) }
}
