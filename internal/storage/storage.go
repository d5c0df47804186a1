// Package storage provides the blob storage abstraction that holds compressed
// chunk segments. Implementations include S3 and the local filesystem.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrPutFailed    = errors.New("put failed")
	ErrGetFailed    = errors.New("get failed")
	ErrDeleteFailed = errors.New("delete failed")
)

// BlobStore abstracts durable storage for columnar chunk segments.
// Segments are immutable once written: Put is only ever called with a fresh
// key, so implementations need no conditional-write support.
type BlobStore interface {
	// Put stores data under key, creating any intermediate structure.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the blob stored under key.
	// Returns ErrBlobNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob stored under key. Deleting a missing key is
	// not an error (retention sweeps may race with each other).
	Delete(ctx context.Context, key string) error

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under the given prefix.
	// Used at startup to reconcile the catalog against stored segments.
	List(ctx context.Context, prefix string) ([]string, error)
}
