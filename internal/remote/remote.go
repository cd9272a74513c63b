// Package remote describes the object store that sync passes reconcile
// against. Every implementation is scoped to one application folder that is
// created on first use.
package remote

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/terrascout/fieldmap/pkg/core"
)

var (
	// ErrAuthExpired means the credential was rejected. The session must be
	// re-established before any further call.
	ErrAuthExpired = errors.New("remote credential expired")
	ErrNotFound    = errors.New("remote file not found")
)

// File describes one remote object.
type File struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// IsOverlay reports whether the object holds a tile archive.
func (f File) IsOverlay() bool {
	return strings.HasSuffix(f.Name, core.OverlayExtension)
}

// FileService is the remote object store contract.
type FileService interface {
	ListFiles(ctx context.Context) ([]File, error)
	// Upload creates a new object, or overwrites existingID when it is not empty.
	Upload(ctx context.Context, name string, data []byte, existingID string) (string, error)
	Download(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// FindByName returns the first file called name.
func FindByName(files []File, name string) (File, bool) {
	for _, f := range files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}
