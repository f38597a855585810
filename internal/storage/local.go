package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrPublishNotConfigured is returned when Publish is called without object
// storage configured.
var ErrPublishNotConfigured = errors.New("storage: object storage is not configured")

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// LocalStorage implements Storage on local disk. Artifacts go to the volume
// directory, scratch files to the temp directory.
type LocalStorage struct {
	volumeDir string
	tempDir   string
	now       func() time.Time
}

// NewLocalStorage creates a new LocalStorage instance. Empty directories
// default to subdirectories of os.TempDir(). Both directories are created if
// they don't exist.
func NewLocalStorage(volumeDir, tempDir string) (*LocalStorage, error) {
	if volumeDir == "" {
		volumeDir = filepath.Join(os.TempDir(), "reelforge", "volume")
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "reelforge", "tmp")
	}

	for _, dir := range []string{volumeDir, tempDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return &LocalStorage{volumeDir: volumeDir, tempDir: tempDir, now: time.Now}, nil
}

// ArtifactName builds <prefix>_<yyyymmdd-hhmmss>_<uuid8><ext>.
func ArtifactName(prefix, ext string, t time.Time) string {
	prefix = strings.Trim(unsafeChars.ReplaceAllString(prefix, "-"), "-")
	if prefix == "" {
		prefix = "video"
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s_%s%s", prefix, t.UTC().Format("20060102-150405"), uuid.NewString()[:8], strings.ToLower(ext))
}

// TempWorkDir creates a private scratch directory under the temp directory.
// Callers release it with CleanupTemp.
func (s *LocalStorage) TempWorkDir(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	dir, err := os.MkdirTemp(s.tempDir, name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

// SaveArtifact writes data to the volume and returns the final path. The
// file is written under a temporary name and renamed into place, so a
// partially written artifact never carries its final name.
func (s *LocalStorage) SaveArtifact(ctx context.Context, prefix, ext string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(s.volumeDir, ".partial_*")
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	tmp, err := writeAndClose(f, data)
	if err != nil {
		return "", err
	}

	final := filepath.Join(s.volumeDir, ArtifactName(prefix, ext, s.now()))
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return final, nil
}

// ImportArtifact moves srcPath onto the volume, keeping its extension.
func (s *LocalStorage) ImportArtifact(ctx context.Context, srcPath, prefix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	final := filepath.Join(s.volumeDir, ArtifactName(prefix, filepath.Ext(srcPath), s.now()))
	if err := os.Rename(srcPath, final); err == nil {
		return final, nil
	}

	// Rename fails across filesystems; fall back to copy and remove.
	src, err := os.Open(srcPath) // #nosec G304 - path produced by this service
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = src.Close() }()

	path, err := s.SaveArtifact(ctx, prefix, filepath.Ext(srcPath), src)
	if err != nil {
		return "", err
	}
	_ = os.Remove(srcPath)
	return path, nil
}

// CleanupTemp removes the specified temporary files and directories.
// It continues cleanup even if some paths fail to delete,
// returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		if err := os.RemoveAll(p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove temp path %s: %w", p, err)
		}
	}
	return firstErr
}

// Publish is not supported by LocalStorage and returns ErrPublishNotConfigured.
func (s *LocalStorage) Publish(_ context.Context, _, _ string) (string, error) {
	return "", ErrPublishNotConfigured
}

func writeAndClose(f *os.File, data io.Reader) (string, error) {
	name := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close file: %w", err)
	}
	return name, nil
}
