package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/allenai/objaverse-rendering/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GDrive implements Provider backed by one Google Drive folder. Drive has no
// real paths, so the object key ("uid/000.png") is stored as the file name.
// Put looks the name up first and updates that file, which keeps uploads
// idempotent by key.
type GDrive struct {
	srv      *drive.Service
	folderID string
}

// NewGDrive authenticates with a stored refresh token.
func NewGDrive(ctx context.Context, cfg config.GDriveConfig) (*GDrive, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gdrive: %w", err)
	}
	return NewGDriveClient(srv, cfg.FolderID), nil
}

func NewGDriveClient(srv *drive.Service, folderID string) *GDrive {
	return &GDrive{srv: srv, folderID: folderID}
}

func (c *GDrive) Provider() string { return "gdrive" }

func (c *GDrive) PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error) {
	key, err := CleanKey(in.ObjectKey)
	if err != nil {
		return PutObjectOutput{}, err
	}

	existing, err := c.find(ctx, key)
	if err != nil {
		return PutObjectOutput{}, err
	}

	var media []googleapi.MediaOption
	if in.ContentType != "" {
		media = append(media, googleapi.ContentType(in.ContentType))
	}

	var f *drive.File
	if existing != "" {
		f, err = c.srv.Files.Update(existing, &drive.File{}).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	} else {
		file := &drive.File{Name: key}
		if c.folderID != "" {
			file.Parents = []string{c.folderID}
		}
		f, err = c.srv.Files.Create(file).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	}
	if err != nil {
		return PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}
	return PutObjectOutput{ObjectKey: f.Id, Size: in.Size}, nil
}

func (c *GDrive) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	call := c.srv.Files.List().
		Q(listQuery(c.folderID, prefix)).
		Fields("nextPageToken", "files(id, name, size)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		PageSize(1000)
	err := call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Files {
			if strings.HasPrefix(f.Name, prefix) {
				out = append(out, ObjectInfo{Key: f.Name, Size: f.Size})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gdrive list failed: %w", err)
	}
	return out, nil
}

// DeleteObject removes the file named objectKey, if any.
func (c *GDrive) DeleteObject(ctx context.Context, objectKey string) error {
	id, err := c.find(ctx, objectKey)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return c.srv.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do()
}

func (c *GDrive) find(ctx context.Context, name string) (string, error) {
	res, err := c.srv.Files.List().
		Q(nameQuery(c.folderID, name)).
		Fields("files(id)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gdrive lookup failed: %w", err)
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

func nameQuery(folderID, name string) string {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(folderID))
	}
	return q
}

func listQuery(folderID, prefix string) string {
	q := "trashed = false"
	if prefix != "" {
		q = fmt.Sprintf("name contains '%s' and %s", escapeQuery(prefix), q)
	}
	if folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(folderID))
	}
	return q
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
