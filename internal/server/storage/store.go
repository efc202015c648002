package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ImageExt is the extension of every generated preview image.
const ImageExt = ".webp"

// ImageContentType is the MIME type stored with preview images.
const ImageContentType = "image/webp"

// Object is a stored blob as reported by List.
type Object struct {
	Key  string
	Size int64
}

// BlobStore defines the interface for preview-image storage backends.
type BlobStore interface {
	// Init prepares the backend (directory, bucket) for use.
	Init(ctx context.Context) error
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the object's bytes, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context) ([]Object, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ImageKey returns the object key of a share's preview image.
func ImageKey(shareID string) string {
	return shareID + ImageExt
}

// ShareIDFromKey is the inverse of ImageKey. ok is false for keys that are not
// preview images.
func ShareIDFromKey(key string) (shareID string, ok bool) {
	if !strings.HasSuffix(key, ImageExt) {
		return "", false
	}
	shareID = strings.TrimSuffix(key, ImageExt)
	return shareID, shareID != ""
}

var (
	ErrUnsupportedScheme = errors.New("unsupported storage scheme")
	ErrObjectNotFound    = errors.New("object not found")
)

// Open creates a BlobStore from a DSN. Supported schemes are file, minio and s3.
func Open(ctx context.Context, dsn string) (BlobStore, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage DSN: %w", err)
	}

	switch u.Scheme {
	case "file":
		return NewFileSystemStore(u.Host + u.Path), nil
	case "minio":
		store, err := minioFromDSN(u)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := s3FromDSN(ctx, u)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
