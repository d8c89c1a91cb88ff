// Package drive reads a Google Drive folder tree through the Drive v3 API.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/septianibnyohan/gdrive-syncer/internal/logging"
	"github.com/septianibnyohan/gdrive-syncer/internal/metrics"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

const (
	folderMIME   = "application/vnd.google-apps.folder"
	nativePrefix = "application/vnd.google-apps."
	listFields   = "nextPageToken, files(id, name, mimeType, modifiedTime, md5Checksum, size)"
	pageSize     = 1000
)

// exportMIME maps a local extension to the MIME type Drive exports it as.
var exportMIME = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"odt":  "application/vnd.oasis.opendocument.text",
	"ods":  "application/vnd.oasis.opendocument.spreadsheet",
	"odp":  "application/vnd.oasis.opendocument.presentation",
	"csv":  "text/csv",
	"tsv":  "text/tab-separated-values",
	"txt":  "text/plain",
	"html": "text/html",
	"rtf":  "application/rtf",
	"epub": "application/epub+zip",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"svg":  "image/svg+xml",
}

// Client implements remote.Client on a Drive service.
type Client struct {
	svc *drive.Service
}

// New builds a read-only Drive client from a service account or authorized
// user credentials file. Installed-app client secrets are rejected: there is
// no interactive consent flow.
func New(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*Client, error) {
	if err := checkCredentials(credentialsFile); err != nil {
		return nil, err
	}
	opts = append([]option.ClientOption{
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(drive.DriveReadonlyScope),
	}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &Client{svc: svc}, nil
}

func checkCredentials(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	var top map[string]json.RawMessage
	if json.Unmarshal(data, &top) != nil {
		return nil
	}
	for _, key := range []string{"installed", "web"} {
		if _, ok := top[key]; ok {
			return fmt.Errorf("%s: OAuth client secrets are not supported, use a service account key or authorized user credentials", path)
		}
	}
	return nil
}

// NewWithService wraps an existing Drive service.
func NewWithService(svc *drive.Service) *Client {
	return &Client{svc: svc}
}

// ListChildren returns the non-trashed children of a folder, following every page.
func (c *Client) ListChildren(ctx context.Context, containerID string) ([]remote.Item, error) {
	start := time.Now()
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(containerID))

	var items []remote.Item
	err := c.svc.Files.List().
		Q(q).
		Fields(listFields).
		PageSize(pageSize).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				items = append(items, toItem(f))
			}
			return nil
		})
	metrics.RecordRemoteCall("list", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("list", containerID, err)
	}
	logging.Debug("listed folder", logging.String("folder_id", containerID), logging.Int("children", len(items)))
	return items, nil
}

// Fetch streams the binary content of a file.
func (c *Client) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	start := time.Now()
	resp, err := c.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	metrics.RecordRemoteCall("fetch", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("fetch", id, err)
	}
	return &body{rc: resp.Body, op: "fetch", id: id}, nil
}

// Export streams a native document converted to format, a file extension.
func (c *Client) Export(ctx context.Context, id, format string) (io.ReadCloser, error) {
	mime, ok := exportMIME[strings.ToLower(format)]
	if !ok {
		return nil, remote.NewError("export", id, remote.ErrTransport, fmt.Errorf("unknown export format %q", format))
	}
	start := time.Now()
	resp, err := c.svc.Files.Export(id, mime).Context(ctx).Download()
	metrics.RecordRemoteCall("export", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("export", id, err)
	}
	return &body{rc: resp.Body, op: "export", id: id}, nil
}

func toItem(f *drive.File) remote.Item {
	item := remote.Item{
		ID:       f.Id,
		Name:     f.Name,
		Kind:     models.KindFile,
		Checksum: f.Md5Checksum,
		Size:     -1,
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		item.ModifiedAt = t.UTC()
	}

	switch {
	case f.MimeType == folderMIME:
		item.Kind = models.KindFolder
		item.Checksum = ""
	case strings.HasPrefix(f.MimeType, nativePrefix):
		item.Kind = models.KindDocument
		item.DocType = strings.TrimPrefix(f.MimeType, nativePrefix)
		item.Checksum = ""
	default:
		item.Size = f.Size
	}
	return item
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// classify maps Drive and OAuth failures onto the remote error kinds.
func classify(op, id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return remote.NewError(op, id, remote.ErrAuth, err)
	}

	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return remote.NewError(op, id, remote.ErrTransport, err)
	}
	switch {
	case ge.Code == http.StatusUnauthorized:
		return remote.NewError(op, id, remote.ErrAuth, err)
	case ge.Code == http.StatusNotFound:
		return remote.NewError(op, id, remote.ErrNotFound, err)
	case ge.Code == http.StatusTooManyRequests:
		return remote.NewError(op, id, remote.ErrRateLimited, err)
	case ge.Code == http.StatusForbidden && hasReason(ge, "rateLimitExceeded", "userRateLimitExceeded"):
		return remote.NewError(op, id, remote.ErrRateLimited, err)
	default:
		return remote.NewError(op, id, remote.ErrTransport, err)
	}
}

func hasReason(ge *googleapi.Error, reasons ...string) bool {
	for _, item := range ge.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

// body classifies errors that surface while the content is being read.
type body struct {
	rc io.ReadCloser
	op string
	id string
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		err = classify(b.op, b.id, err)
	}
	return n, err
}

func (b *body) Close() error { return b.rc.Close() }

var _ remote.Client = (*Client)(nil)
