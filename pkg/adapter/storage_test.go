package adapter_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ytchat/pkg/adapter"
)

func writeObject(t *testing.T, s adapter.Storage, key, data string) {
	t.Helper()
	w, err := s.Put(context.Background(), key)
	gt.NoError(t, err)
	_, err = w.Write([]byte(data))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())
}

func readObject(t *testing.T, s adapter.Storage, key string) string {
	t.Helper()
	r, err := s.Get(context.Background(), key)
	gt.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	gt.NoError(t, err)
	return string(data)
}

func testStorage(t *testing.T, s adapter.Storage) {
	ctx := context.Background()

	writeObject(t, s, "transcripts/abc.txt", "hello")
	gt.Equal(t, readObject(t, s, "transcripts/abc.txt"), "hello")

	writeObject(t, s, "transcripts/abc.txt", "overwritten")
	gt.Equal(t, readObject(t, s, "transcripts/abc.txt"), "overwritten")

	gt.NoError(t, s.Delete(ctx, "transcripts/abc.txt"))
	_, err := s.Get(ctx, "transcripts/abc.txt")
	gt.True(t, errors.Is(err, adapter.ErrObjectNotFound))

	// deleting twice is fine
	gt.NoError(t, s.Delete(ctx, "transcripts/abc.txt"))
}

func TestFileStorage(t *testing.T) {
	s, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)
	testStorage(t, s)
}

func TestFileStorageRejectsEscapingKeys(t *testing.T) {
	s, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)

	_, err = s.Put(context.Background(), "../outside.txt")
	gt.Error(t, err)
	_, err = s.Get(context.Background(), "/etc/passwd")
	gt.Error(t, err)
	gt.Error(t, s.Delete(context.Background(), "transcripts/../indices/abc.json"))
}

func TestFileStorageUncommittedWriteIsInvisible(t *testing.T) {
	s, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)

	w, err := s.Put(context.Background(), "indices/x.json")
	gt.NoError(t, err)
	_, err = w.Write([]byte("{}"))
	gt.NoError(t, err)

	_, err = s.Get(context.Background(), "indices/x.json")
	gt.True(t, errors.Is(err, adapter.ErrObjectNotFound))
	gt.NoError(t, w.Close())
	gt.Equal(t, readObject(t, s, "indices/x.json"), "{}")
}

func TestCloudStorage(t *testing.T) {
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if bucket == "" {
		t.Skip("TEST_STORAGE_BUCKET is not set")
	}

	s, err := adapter.NewCloudStorage(context.Background(), bucket, "ytchat-test")
	gt.NoError(t, err)
	testStorage(t, s)
}
