// Package storage persists downloaded and generated videos on the local
// volume and optionally publishes them to S3-compatible object storage.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for file storage.
type Storage interface {
	// TempWorkDir creates a scratch directory for an in-flight download.
	// The name parameter is used as a hint for the directory name.
	TempWorkDir(ctx context.Context, name string) (dir string, err error)

	// CleanupTemp removes the specified temporary files and directories.
	// It continues cleanup even if some paths fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// SaveArtifact writes data to the volume under a collision-resistant
	// name built from prefix and ext, and returns the final path.
	SaveArtifact(ctx context.Context, prefix, ext string, data io.Reader) (path string, err error)

	// ImportArtifact moves an existing file onto the volume under a
	// collision-resistant name and returns the final path.
	ImportArtifact(ctx context.Context, srcPath, prefix string) (path string, err error)

	// Publish uploads a stored file and returns its public URL.
	// Returns ErrPublishNotConfigured if no object storage is configured.
	Publish(ctx context.Context, localPath, key string) (url string, err error)
}
