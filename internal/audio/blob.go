package audio

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned by Open when the path does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists audio bytes. The Manager is its only writer.
type BlobStore interface {
	// Write stores data under key and returns the path to reference it by.
	Write(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Open streams a previously written blob.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, path string) error
}
