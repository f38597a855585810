package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

var artifactNameRE = regexp.MustCompile(`^quality_20240305-140709_[0-9a-f]{8}\.mp4$`)

func setupTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	root := t.TempDir()
	s, err := NewLocalStorage(filepath.Join(root, "volume"), filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }
	return s
}

func TestNewLocalStorage_CreatesDirectories(t *testing.T) {
	s := setupTestStorage(t)

	for _, dir := range []string{s.volumeDir, s.tempDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestArtifactName(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	if got := ArtifactName("quality", ".MP4", ts); !artifactNameRE.MatchString(got) {
		t.Errorf("ArtifactName() = %s, does not match %s", got, artifactNameRE)
	}
	if got := ArtifactName("../../etc", "mp4", ts); strings.Contains(got, "/") || !strings.HasSuffix(got, ".mp4") {
		t.Errorf("ArtifactName() did not sanitise prefix: %s", got)
	}
	if got := ArtifactName("", ".webm", ts); !strings.HasPrefix(got, "video_") {
		t.Errorf("ArtifactName() with empty prefix = %s", got)
	}
	if ArtifactName("p", ".mp4", ts) == ArtifactName("p", ".mp4", ts) {
		t.Error("expected distinct names within the same second")
	}
}

func TestLocalStorage_SaveArtifact(t *testing.T) {
	s := setupTestStorage(t)

	path, err := s.SaveArtifact(context.Background(), "quality", ".mp4", bytes.NewReader([]byte("video")))
	if err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}

	if filepath.Dir(path) != s.volumeDir {
		t.Errorf("artifact stored in %s, want %s", filepath.Dir(path), s.volumeDir)
	}
	if !artifactNameRE.MatchString(filepath.Base(path)) {
		t.Errorf("unexpected artifact name %s", filepath.Base(path))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if string(content) != "video" {
		t.Errorf("got %q, want %q", content, "video")
	}

	entries, _ := os.ReadDir(s.volumeDir)
	if len(entries) != 1 {
		t.Errorf("expected only the final artifact on the volume, found %d entries", len(entries))
	}
}

func TestLocalStorage_ImportArtifact(t *testing.T) {
	s := setupTestStorage(t)

	dir, err := s.TempWorkDir(context.Background(), "dl")
	if err != nil {
		t.Fatalf("TempWorkDir() error = %v", err)
	}
	src := filepath.Join(dir, "My Clip.webm")
	if err := os.WriteFile(src, []byte("webm"), 0o600); err != nil {
		t.Fatal(err)
	}

	path, err := s.ImportArtifact(context.Background(), src, "tiktok")
	if err != nil {
		t.Fatalf("ImportArtifact() error = %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "tiktok_") || filepath.Ext(path) != ".webm" {
		t.Errorf("unexpected imported name %s", path)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("expected source file to be moved")
	}
}

func TestLocalStorage_TempWorkDirAndCleanup(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	var dirs []string
	for i := 0; i < 3; i++ {
		dir, err := s.TempWorkDir(ctx, "fetch")
		if err != nil {
			t.Fatalf("TempWorkDir() error = %v", err)
		}
		if filepath.Dir(dir) != s.tempDir {
			t.Errorf("work dir %s not under %s", dir, s.tempDir)
		}
		if !strings.HasPrefix(filepath.Base(dir), "fetch_") {
			t.Errorf("dir %s should start with 'fetch_'", dir)
		}
		if err := os.WriteFile(filepath.Join(dir, "part.mp4"), []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
		dirs = append(dirs, dir)
	}
	if dirs[0] == dirs[1] {
		t.Error("expected distinct work dirs")
	}

	if err := s.CleanupTemp(ctx, append(dirs, "/non/existent/file")); err != nil {
		t.Fatalf("CleanupTemp() error = %v", err)
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Errorf("dir %s still exists", d)
		}
	}
}

func TestLocalStorage_RespectsCancellation(t *testing.T) {
	s := setupTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.TempWorkDir(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("TempWorkDir: expected context.Canceled, got %v", err)
	}
	if _, err := s.SaveArtifact(ctx, "x", ".mp4", bytes.NewReader(nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("SaveArtifact: expected context.Canceled, got %v", err)
	}
	if err := s.CleanupTemp(ctx, []string{"/some/path"}); !errors.Is(err, context.Canceled) {
		t.Errorf("CleanupTemp: expected context.Canceled, got %v", err)
	}
}

func TestLocalStorage_Publish(t *testing.T) {
	s := setupTestStorage(t)

	_, err := s.Publish(context.Background(), "/v/a.mp4", "a.mp4")
	if !errors.Is(err, ErrPublishNotConfigured) {
		t.Errorf("expected ErrPublishNotConfigured, got %v", err)
	}
}
