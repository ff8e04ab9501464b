package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filesystem stores content under a single root directory:
//
//	{root}/blobs/{org}/{repo}/{hex-digest}
//	{root}/manifests/{org}/{repo}/{tag-or-digest}
//
// Blobs and manifests on disk are their own source of truth; readers
// treat ENOENT as ErrNotFound and finalization is an atomic rename.
type Filesystem struct {
	root string
}

func NewFilesystem(root string) (*Filesystem, error) {
	for _, dir := range []string{root, filepath.Join(root, "blobs"), filepath.Join(root, "manifests"), filepath.Join(root, "uploads")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Filesystem{root: root}, nil
}

// Root returns the data directory the store was opened on.
func (f *Filesystem) Root() string { return f.root }

func (f *Filesystem) blobPath(repo string, dgst digest.Digest) (string, error) {
	p, ok := securePath(f.root, "blobs", repo, dgst.Encoded())
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func (f *Filesystem) manifestPath(repo, reference string) (string, error) {
	p, ok := securePath(f.root, "manifests", repo, reference)
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func (f *Filesystem) StatBlob(_ context.Context, repo string, dgst digest.Digest) (int64, error) {
	p, err := f.blobPath(repo, dgst)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *Filesystem) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	size, err := f.StatBlob(ctx, repo, dgst)
	if err != nil {
		return nil, 0, err
	}
	p, err := f.blobPath(repo, dgst)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return file, size, nil
}

func (f *Filesystem) DeleteBlob(_ context.Context, repo string, dgst digest.Digest) error {
	p, err := f.blobPath(repo, dgst)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (f *Filesystem) MountBlob(_ context.Context, srcRepo, dstRepo string, dgst digest.Digest) error {
	src, err := f.blobPath(srcRepo, dgst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	dst, err := f.blobPath(dstRepo, dgst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// Hard-link when the filesystem allows it, copy otherwise.
	if err := os.Link(src, dst); err == nil || os.IsExist(err) {
		return nil
	}
	return copyFile(src, dst)
}

func (f *Filesystem) FinalizeUpload(_ context.Context, repo string, dgst digest.Digest, tempPath string) error {
	dst, err := f.blobPath(repo, dgst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(tempPath, dst)
}

func (f *Filesystem) WriteManifest(_ context.Context, repo, reference string, body []byte, mediaType string) (digest.Digest, error) {
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}
	dgst := digest.FromBytes(body)

	refPath, err := f.manifestPath(repo, reference)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(refPath, body); err != nil {
		return "", err
	}
	if err := writeFileAtomic(sidecarPath(refPath), []byte(mediaType)); err != nil {
		return "", err
	}

	// Second copy under the digest so the manifest resolves by either name.
	digestPath, err := f.manifestPath(repo, dgst.String())
	if err != nil {
		return "", err
	}
	if digestPath != refPath {
		if err := writeFileAtomic(digestPath, body); err != nil {
			return "", err
		}
		if err := writeFileAtomic(sidecarPath(digestPath), []byte(mediaType)); err != nil {
			return "", err
		}
	}
	return dgst, nil
}

func (f *Filesystem) ReadManifest(_ context.Context, repo, reference string) ([]byte, digest.Digest, string, error) {
	p, err := f.manifestPath(repo, reference)
	if err != nil {
		return nil, "", "", err
	}
	body, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, "", "", ErrNotFound
	}
	if err != nil {
		return nil, "", "", err
	}
	mediaType := v1.MediaTypeImageManifest
	if mt, err := os.ReadFile(sidecarPath(p)); err == nil && len(mt) > 0 {
		mediaType = string(mt)
	}
	return body, digest.FromBytes(body), mediaType, nil
}

func (f *Filesystem) DeleteManifest(_ context.Context, repo, reference string) error {
	p, err := f.manifestPath(repo, reference)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	os.Remove(sidecarPath(p))
	return nil
}

func (f *Filesystem) ListTags(_ context.Context, repo string) ([]string, error) {
	dir, ok := securePath(f.root, "manifests", repo)
	if !ok {
		return nil, ErrNotFound
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tags := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "sha256:") || strings.HasPrefix(name, ".") {
			continue
		}
		tags = append(tags, name)
	}
	sort.Strings(tags)
	return tags, nil
}

func (f *Filesystem) ListRepositories(_ context.Context) ([]string, error) {
	base := filepath.Join(f.root, "manifests")
	var repos []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == base {
			return err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				rel, err := filepath.Rel(base, path)
				if err != nil {
					return err
				}
				repos = append(repos, filepath.ToSlash(rel))
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(repos)
	return repos, nil
}

// sidecarPath names the dot-prefixed file holding a manifest's media
// type. Listings skip every dot-prefixed name, so sidecars never appear
// as tags; a tag that itself starts with '.' is stored but not listed.
func sidecarPath(manifestPath string) string {
	dir, name := filepath.Split(manifestPath)
	return filepath.Join(dir, "."+name+".mediatype")
}

func writeFileAtomic(path string, data []byte) error {
	// Dot-prefixed so an in-flight write never shows up in tag listings.
	dir, name := filepath.Split(path)
	tmp := filepath.Join(dir, "."+name+".tmp")
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
