// Package storage is the remote artifact store the reconciler uploads to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/allenai/objaverse-rendering/internal/config"
)

// ErrInvalidKey rejects keys that are empty, absolute or escape the root.
var ErrInvalidKey = errors.New("storage: invalid object key")

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the key as stored; for gdrive it is the Drive file id.
	ObjectKey string
	Size      int64
}

type ObjectInfo struct {
	Key  string
	Size int64
}

// Provider implementations: localfs, gdrive, memory.
//
// PutObject must be idempotent by key: putting the same key twice leaves one
// object holding the latest content.
type Provider interface {
	Provider() string
	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// New builds the provider selected by cfg.
func New(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		return NewLocalFS(cfg.LocalFS.Root), nil
	case "memory":
		return NewMemory(), nil
	case "gdrive":
		return NewGDrive(ctx, cfg.GDrive)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// PutFile uploads the local file at localPath under key.
func PutFile(ctx context.Context, p Provider, localPath, key string) (PutObjectOutput, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return PutObjectOutput{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return PutObjectOutput{}, err
	}
	return p.PutObject(ctx, PutObjectInput{
		ObjectKey:   key,
		ContentType: mime.TypeByExtension(filepath.Ext(localPath)),
		Reader:      f,
		Size:        st.Size(),
	})
}

// CleanKey normalises key to a relative slash path and rejects traversal.
func CleanKey(key string) (string, error) {
	k := strings.ReplaceAll(key, "\\", "/")
	if k == "" || strings.HasPrefix(k, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	k = path.Clean(k)
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}
