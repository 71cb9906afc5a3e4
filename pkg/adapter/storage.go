package adapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// ErrObjectNotFound is returned by Storage.Get for a missing key.
var ErrObjectNotFound = goerr.New("object not found")

// Storage is a blob store for transcripts, indices and conversation histories.
type Storage interface {
	// Put returns a writer; the object becomes visible when the writer is closed
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Get opens the object for reading
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// cloudStorage implements Storage using Cloud Storage
type cloudStorage struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewCloudStorage creates a Storage backed by a Cloud Storage bucket. Keys are placed
// under prefix.
func NewCloudStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &cloudStorage{
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		client:     client,
	}, nil
}

func (s *cloudStorage) object(key string) *storage.ObjectHandle {
	name := key
	if s.prefix != "" {
		name = s.prefix + "/" + key
	}
	return s.client.Bucket(s.bucketName).Object(name)
}

func (s *cloudStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	writer := s.object(key).NewWriter(ctx)
	return writer, nil
}

func (s *cloudStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(ErrObjectNotFound, "object does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key))
	}

	return reader, nil
}

func (s *cloudStorage) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "failed to delete object", goerr.V("key", key))
	}
	return nil
}

// fileStorage implements Storage on a local directory
type fileStorage struct {
	root string
}

// NewFileStorage creates a Storage rooted at dir, creating it when missing.
func NewFileStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("dir", dir))
	}
	return &fileStorage{root: dir}, nil
}

func (s *fileStorage) path(key string) (string, error) {
	// keys map one to one onto files, so a ".." element aliasing another key is refused too
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || slices.Contains(strings.Split(key, "/"), "..") {
		return "", goerr.New("invalid storage key", goerr.V("key", key))
	}
	return filepath.Join(s.root, clean), nil
}

// atomicFile writes to a temporary file and renames it into place on Close
type atomicFile struct {
	*os.File
	dst string
}

func (f *atomicFile) Close() error {
	if err := f.File.Close(); err != nil {
		_ = os.Remove(f.Name())
		return goerr.Wrap(err, "failed to close temporary file")
	}
	if err := os.Rename(f.Name(), f.dst); err != nil {
		_ = os.Remove(f.Name())
		return goerr.Wrap(err, "failed to move object into place", goerr.V("path", f.dst))
	}
	return nil
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	dst, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create object directory", goerr.V("key", key))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create temporary file", goerr.V("key", key))
	}
	return &atomicFile{File: tmp, dst: dst}, nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(ErrObjectNotFound, "object does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to open object", goerr.V("key", key))
	}
	return f, nil
}

func (s *fileStorage) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return goerr.Wrap(err, "failed to delete object", goerr.V("key", key))
	}
	return nil
}
