package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// Storage keeps uploaded scans, region images, layer COGs and mosaics in a blob
// bucket. Raster work needs local paths, so Fetch copies objects to disk.
type Storage struct {
	bucket    *blob.Bucket
	mediaHost string
	localDir  string
}

// OpenStorage opens a gocloud bucket url (file://, mem://, s3://, ...).
func OpenStorage(ctx context.Context, bucketURL, mediaHost, tempDir string) (*Storage, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewStorage(bucket, mediaHost, tempDir), nil
}

func NewStorage(bucket *blob.Bucket, mediaHost, tempDir string) *Storage {
	return &Storage{
		bucket:    bucket,
		mediaHost: strings.TrimRight(mediaHost, "/"),
		localDir:  filepath.Join(tempDir, "storage"),
	}
}

func (s *Storage) Close() error {
	return s.bucket.Close()
}

// Save uploads the local file at path under key.
func (s *Storage) Save(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.write(ctx, key, f)
}

func (s *Storage) SaveBytes(ctx context.Context, key string, data []byte) error {
	return s.bucket.WriteAll(ctx, key, data, nil)
}

func (s *Storage) write(ctx context.Context, key string, r io.Reader) error {
	wr, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("storage write %s: %w", key, err)
	}
	if _, err := io.Copy(wr, r); err != nil {
		wr.Close()
		s.bucket.Delete(ctx, key)
		return fmt.Errorf("storage write %s: %w", key, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("storage write %s: %w", key, err)
	}
	return nil
}

// Fetch copies the object to a fresh local file and returns its path.
// The caller removes the file when done.
func (s *Storage) Fetch(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("storage fetch: empty key")
	}
	rd, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return "", fmt.Errorf("storage fetch %s: %w", key, err)
	}
	defer rd.Close()

	dir := filepath.Join(s.localDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(key))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rd); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return "", fmt.Errorf("storage fetch %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Release removes a file handed out by Fetch.
func (s *Storage) Release(path string) {
	if path == "" || !strings.HasPrefix(path, s.localDir) {
		return
	}
	os.RemoveAll(filepath.Dir(path))
}

func (s *Storage) Copy(ctx context.Context, dstKey, srcKey string) error {
	if err := s.bucket.Copy(ctx, dstKey, srcKey, nil); err != nil {
		return fmt.Errorf("storage copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return s.bucket.Exists(ctx, key)
}

// Delete removes key. A missing object is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("storage delete %s: %w", key, err)
	}
	return nil
}

// URL is the public address of key, empty for an empty key.
func (s *Storage) URL(key string) string {
	if key == "" {
		return ""
	}
	return s.mediaHost + "/" + strings.TrimLeft(key, "/")
}

// ReadBytes returns the whole object.
func (s *Storage) ReadBytes(ctx context.Context, key string) ([]byte, error) {
	b, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("storage read %s: %w", key, err)
	}
	return b, nil
}

// IsNotFound reports whether err came from a missing object.
func IsNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
