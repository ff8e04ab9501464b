package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pierrelefevre/grain/pkg/config"
)

// S3Driver serves the storage contracts from a minio/S3 bucket. Object
// keys mirror the filesystem layout (blobs/{repo}/{hex},
// manifests/{repo}/{ref}).
type S3Driver struct {
	client     *minio.Client
	bucketName string
}

func NewS3Driver(cfg *config.Config) (*S3Driver, error) {
	minioClient, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioUser, cfg.MinioPass, ""),
		Secure: cfg.MinioSecure,
	})
	if err != nil {
		return nil, err
	}

	// Ensure bucket exists
	ctx := context.Background()
	bucketName := cfg.MinioBucket
	err = minioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
	if err != nil {
		exists, errBucketExists := minioClient.BucketExists(ctx, bucketName)
		if errBucketExists != nil || !exists {
			return nil, err
		}
	}

	return &S3Driver{
		client:     minioClient,
		bucketName: bucketName,
	}, nil
}

func blobKey(repo string, dgst digest.Digest) string {
	return path.Join("blobs", repo, dgst.Encoded())
}

func manifestKey(repo, reference string) string {
	return path.Join("manifests", repo, reference)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return err
}

func (d *S3Driver) StatBlob(ctx context.Context, repo string, dgst digest.Digest) (int64, error) {
	info, err := d.client.StatObject(ctx, d.bucketName, blobKey(repo, dgst), minio.StatObjectOptions{})
	if err != nil {
		return 0, mapErr(err)
	}
	return info.Size, nil
}

func (d *S3Driver) GetBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	key := blobKey(repo, dgst)
	info, err := d.client.StatObject(ctx, d.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, 0, mapErr(err)
	}
	obj, err := d.client.GetObject(ctx, d.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return obj, info.Size, nil
}

func (d *S3Driver) DeleteBlob(ctx context.Context, repo string, dgst digest.Digest) error {
	key := blobKey(repo, dgst)
	if _, err := d.client.StatObject(ctx, d.bucketName, key, minio.StatObjectOptions{}); err != nil {
		return mapErr(err)
	}
	return mapErr(d.client.RemoveObject(ctx, d.bucketName, key, minio.RemoveObjectOptions{}))
}

func (d *S3Driver) MountBlob(ctx context.Context, srcRepo, dstRepo string, dgst digest.Digest) error {
	src := minio.CopySrcOptions{Bucket: d.bucketName, Object: blobKey(srcRepo, dgst)}
	dst := minio.CopyDestOptions{Bucket: d.bucketName, Object: blobKey(dstRepo, dgst)}
	_, err := d.client.CopyObject(ctx, dst, src)
	return mapErr(err)
}

func (d *S3Driver) FinalizeUpload(ctx context.Context, repo string, dgst digest.Digest, tempPath string) error {
	file, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	_, err = d.client.PutObject(ctx, d.bucketName, blobKey(repo, dgst), file, info.Size(), minio.PutObjectOptions{})
	file.Close()
	if err != nil {
		return err
	}
	return os.Remove(tempPath)
}

func (d *S3Driver) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := d.client.PutObject(ctx, d.bucketName, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (d *S3Driver) WriteManifest(ctx context.Context, repo, reference string, body []byte, mediaType string) (digest.Digest, error) {
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}
	dgst := digest.FromBytes(body)

	refKey := manifestKey(repo, reference)
	if err := d.put(ctx, refKey, body, mediaType); err != nil {
		return "", err
	}
	if err := d.put(ctx, sidecarKey(refKey), []byte(mediaType), "text/plain"); err != nil {
		return "", err
	}
	digestKey := manifestKey(repo, dgst.String())
	if digestKey != refKey {
		if err := d.put(ctx, digestKey, body, mediaType); err != nil {
			return "", err
		}
		if err := d.put(ctx, sidecarKey(digestKey), []byte(mediaType), "text/plain"); err != nil {
			return "", err
		}
	}
	return dgst, nil
}

func (d *S3Driver) ReadManifest(ctx context.Context, repo, reference string) ([]byte, digest.Digest, string, error) {
	key := manifestKey(repo, reference)
	obj, err := d.client.GetObject(ctx, d.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", "", mapErr(err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", "", mapErr(err)
	}

	mediaType := v1.MediaTypeImageManifest
	if mt, err := d.client.GetObject(ctx, d.bucketName, sidecarKey(key), minio.GetObjectOptions{}); err == nil {
		if data, err := io.ReadAll(mt); err == nil && len(data) > 0 {
			mediaType = string(data)
		}
		mt.Close()
	}
	return body, digest.FromBytes(body), mediaType, nil
}

func (d *S3Driver) DeleteManifest(ctx context.Context, repo, reference string) error {
	key := manifestKey(repo, reference)
	if _, err := d.client.StatObject(ctx, d.bucketName, key, minio.StatObjectOptions{}); err != nil {
		return mapErr(err)
	}
	if err := d.client.RemoveObject(ctx, d.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return mapErr(err)
	}
	d.client.RemoveObject(ctx, d.bucketName, sidecarKey(key), minio.RemoveObjectOptions{})
	return nil
}

func (d *S3Driver) ListTags(ctx context.Context, repo string) ([]string, error) {
	prefix := path.Join("manifests", repo) + "/"
	tags := []string{}
	found := false
	for obj := range d.client.ListObjects(ctx, d.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		found = true
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, "sha256:") || strings.HasPrefix(name, ".") {
			continue
		}
		tags = append(tags, name)
	}
	if !found {
		return nil, ErrNotFound
	}
	sort.Strings(tags)
	return tags, nil
}

func (d *S3Driver) ListRepositories(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for obj := range d.client.ListObjects(ctx, d.bucketName, minio.ListObjectsOptions{Prefix: "manifests/", Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		rel := strings.TrimPrefix(obj.Key, "manifests/")
		if idx := strings.LastIndex(rel, "/"); idx > 0 {
			seen[rel[:idx]] = true
		}
	}
	repos := make([]string, 0, len(seen))
	for r := range seen {
		repos = append(repos, r)
	}
	sort.Strings(repos)
	return repos, nil
}

func sidecarKey(manifestKey string) string {
	dir, name := path.Split(manifestKey)
	return dir + "." + name + ".mediatype"
}
