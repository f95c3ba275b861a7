package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"diagrun/internal/common/storage"

	"github.com/klauspost/compress/zstd"
)

type fakeStorage struct {
	bucket string
	key    string
	ctype  string
	size   int64
	data   []byte
	err    error
}

func (f *fakeStorage) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (f *fakeStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if f.err != nil {
		return f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.bucket, f.key, f.ctype, f.size, f.data = bucket, objectKey, contentType, sizeBytes, data
	return nil
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{SizeBytes: int64(len(f.data))}, nil
}

func writeRunDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"request.json":          "{}\n",
		"container.log":         "hello\n",
		"result.json":           "{\"ok\": true}\n",
		".result.json.tmp-1234": "partial",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func readBundle(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	out := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		out[hdr.Name] = string(body)
	}
	return out
}

func TestBundleSkipsTempFiles(t *testing.T) {
	dir := writeRunDir(t)
	var buf bytes.Buffer
	if err := Bundle(dir, "probe-1", &buf); err != nil {
		t.Fatalf("bundle: %v", err)
	}
	entries := readBundle(t, buf.Bytes())
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %v", entries)
	}
	if entries["probe-1/container.log"] != "hello\n" {
		t.Fatalf("unexpected log entry %q", entries["probe-1/container.log"])
	}
	if _, ok := entries["probe-1/.result.json.tmp-1234"]; ok {
		t.Fatalf("temp file must not be bundled")
	}
}

func TestUploaderArchive(t *testing.T) {
	dir := writeRunDir(t)
	store := &fakeStorage{}
	u := NewUploader(store, Config{Bucket: "runs", Prefix: "/diag/"})
	if err := u.Archive(context.Background(), "probe-1", dir); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if store.bucket != "runs" || store.key != "diag/probe-1.tar.zst" {
		t.Fatalf("unexpected destination %s/%s", store.bucket, store.key)
	}
	if store.ctype != contentType || store.size != int64(len(store.data)) {
		t.Fatalf("unexpected upload meta ctype=%s size=%d len=%d", store.ctype, store.size, len(store.data))
	}
	if got := readBundle(t, store.data)["probe-1/result.json"]; got != "{\"ok\": true}\n" {
		t.Fatalf("unexpected result entry %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 4 {
		t.Fatalf("run dir must not be modified, got %d entries", len(entries))
	}
}

func TestUploaderArchiveErrors(t *testing.T) {
	dir := writeRunDir(t)
	if err := NewUploader(nil, Config{Bucket: "runs"}).Archive(context.Background(), "r", dir); err == nil {
		t.Fatalf("expected error without storage")
	}
	if err := NewUploader(&fakeStorage{}, Config{}).Archive(context.Background(), "r", dir); err == nil {
		t.Fatalf("expected error without bucket")
	}
	failing := &fakeStorage{err: errors.New("connection refused")}
	if err := NewUploader(failing, Config{Bucket: "runs"}).Archive(context.Background(), "r", dir); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestObjectKeyWithoutPrefix(t *testing.T) {
	if got := NewUploader(nil, Config{}).ObjectKey("run-1"); got != "run-1.tar.zst" {
		t.Fatalf("unexpected key %s", got)
	}
}
