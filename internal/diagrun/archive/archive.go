// Package archive bundles a finished run directory and uploads it to object storage.
package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"diagrun/internal/common/storage"
	appErr "diagrun/pkg/errors"
	"diagrun/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	contentType    = "application/zstd"
	bundleSuffix   = ".tar.zst"
	defaultTimeout = 60 * time.Second
)

// Config holds upload settings.
type Config struct {
	Bucket  string        `yaml:"bucket"`
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

// Uploader archives run directories into a bucket.
type Uploader struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewUploader creates an uploader.
func NewUploader(store storage.ObjectStorage, cfg Config) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Uploader{
		storage: store,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: cfg.Timeout,
	}
}

// ObjectKey returns the key a run bundle is stored under.
func (u *Uploader) ObjectKey(runID string) string {
	if u.prefix == "" {
		return runID + bundleSuffix
	}
	return path.Join(u.prefix, runID+bundleSuffix)
}

// Archive bundles dir and uploads it as <prefix>/<runID>.tar.zst. The bundle is
// staged outside dir so the run directory is never modified.
func (u *Uploader) Archive(ctx context.Context, runID, dir string) error {
	if u.storage == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	if u.bucket == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("archive bucket is required")
	}
	if runID == "" || dir == "" {
		return appErr.ValidationError("run_id", "required")
	}

	tmp, err := os.CreateTemp("", "diagrun-bundle-*"+bundleSuffix)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "create bundle file failed")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := Bundle(dir, runID, tmp); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "measure bundle failed")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "rewind bundle failed")
	}

	uploadCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	key := u.ObjectKey(runID)
	if err := u.storage.PutObject(uploadCtx, u.bucket, key, tmp, size, contentType); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "upload bundle failed")
	}
	logger.Info(ctx, "run artifacts archived",
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int64("size", size),
	)
	return nil
}

// Bundle writes the regular files of dir as a zstd-compressed tar stream rooted at
// root/. Temp files left by atomic writes (dot-prefixed) are skipped.
func Bundle(dir, root string, w io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "read run dir failed")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)
	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), path.Join(root, name)); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "close tar writer failed")
	}
	if err := zw.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "close zstd writer failed")
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	file, err := os.Open(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "open artifact failed")
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "stat artifact failed")
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "build tar header failed")
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "write tar header failed")
	}
	// streams may still be growing if a worker was abandoned; copy what was stat'ed
	if _, err := io.CopyN(tw, file, info.Size()); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveUploadFailed, "copy %s failed", name)
	}
	return nil
}
