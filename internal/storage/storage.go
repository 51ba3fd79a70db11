// Package storage keeps request files in folders of an object store.
package storage

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"

	"request-portal/internal/model"
)

// ErrNotFound is returned when a file id does not resolve.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the file store behind request folders and attachments.
// Folder and file ids are opaque to callers.
type ObjectStore interface {
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	Upload(ctx context.Context, data []byte, filename, mimeType, folderID string) (model.Attachment, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Delete(ctx context.Context, fileID string) error
	FileExists(ctx context.Context, fileID string) (bool, error)
	FolderExists(ctx context.Context, folderID string) (bool, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// SanitizeName strips path separators and unusual characters from a file or folder name.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}
