package storage

import (
	"context"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned for absent blobs, manifests, and repositories.
// The HTTP surface maps it to 404.
var ErrNotFound = errors.New("not found")

// Driver abstracts the content store. The filesystem driver is the
// default and implements the canonical on-disk layout; the S3 driver
// serves the same contracts against an object store. Upload sessions are
// always local temp files, so finalization takes a local path regardless
// of backend.
type Driver interface {
	// StatBlob returns the blob size, or ErrNotFound.
	StatBlob(ctx context.Context, repo string, dgst digest.Digest) (int64, error)
	// GetBlob streams blob contents along with the size.
	GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error)
	// DeleteBlob removes the blob unconditionally.
	DeleteBlob(ctx context.Context, repo string, dgst digest.Digest) error
	// MountBlob makes the blob from srcRepo available under dstRepo.
	MountBlob(ctx context.Context, srcRepo, dstRepo string, dgst digest.Digest) error
	// FinalizeUpload moves a fully verified local temp file into the
	// blob store. The temp file is consumed.
	FinalizeUpload(ctx context.Context, repo string, dgst digest.Digest, tempPath string) error

	// WriteManifest stores the manifest under its reference and, when the
	// reference is a tag, additionally under its digest. The media type is
	// persisted so reads can echo it back.
	WriteManifest(ctx context.Context, repo, reference string, body []byte, mediaType string) (digest.Digest, error)
	// ReadManifest returns the manifest bytes, their digest, and the
	// media type recorded at write time.
	ReadManifest(ctx context.Context, repo, reference string) ([]byte, digest.Digest, string, error)
	// DeleteManifest unlinks the reference.
	DeleteManifest(ctx context.Context, repo, reference string) error

	// ListTags returns the repository's tags sorted lexicographically.
	ListTags(ctx context.Context, repo string) ([]string, error)
	// ListRepositories enumerates repositories that hold manifests.
	ListRepositories(ctx context.Context) ([]string, error)
}
