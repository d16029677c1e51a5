package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/allenai/objaverse-rendering/pkg/types"
)

// ErrNotFound means a local job path does not exist.
var ErrNotFound = errors.New("render: model file not found")

// Asset is a model file ready to render. Release must be called exactly
// once, on every path, to remove anything Resolve created.
type Asset struct {
	Path    string
	Release func()
}

// Resolver turns a job identifier into a local model file.
type Resolver interface {
	Resolve(ctx context.Context, job types.JobID) (Asset, error)
}

// DefaultResolver passes local paths through and downloads http(s) URLs into
// a fresh directory under Dir, keeping the URL's basename so the renderer
// sees the original extension.
type DefaultResolver struct {
	Client  *http.Client
	Dir     string
	Timeout time.Duration
}

func NewResolver(dir string, timeout time.Duration) *DefaultResolver {
	return &DefaultResolver{Client: http.DefaultClient, Dir: dir, Timeout: timeout}
}

func (r *DefaultResolver) Resolve(ctx context.Context, job types.JobID) (Asset, error) {
	s := string(job)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return r.download(ctx, s)
	}
	if _, err := os.Stat(s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, s)
		}
		return Asset{}, err
	}
	return Asset{Path: s, Release: func() {}}, nil
}

func (r *DefaultResolver) download(ctx context.Context, rawURL string) (Asset, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Asset{}, fmt.Errorf("download %s: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "model"
	}

	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return Asset{}, err
	}
	tmpDir, err := os.MkdirTemp(r.Dir, types.JobID(rawURL).UID()+"-*")
	if err != nil {
		return Asset{}, err
	}
	release := func() { os.RemoveAll(tmpDir) }

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	dst := filepath.Join(tmpDir, name)
	if err := r.fetch(ctx, rawURL, dst); err != nil {
		release()
		return Asset{}, err
	}
	return Asset{Path: dst, Release: release}, nil
}

func (r *DefaultResolver) fetch(ctx context.Context, rawURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return f.Close()
}
