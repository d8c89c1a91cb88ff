// Package remote defines what the sync engine needs from a remote file store.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

// Item is the metadata of one child returned by a container listing.
type Item struct {
	ID         string
	Name       string
	Kind       models.ItemKind
	DocType    string // document, spreadsheet, ... for KindDocument items
	ModifiedAt time.Time
	Checksum   string // empty when the store has no stable content hash
	Size       int64  // -1 when unknown
}

// Client lists and reads a remote tree. Every method returns an *Error
// wrapping one of ErrAuth, ErrNotFound, ErrRateLimited or ErrTransport.
type Client interface {
	ListChildren(ctx context.Context, containerID string) ([]Item, error)
	Fetch(ctx context.Context, id string) (io.ReadCloser, error)
	Export(ctx context.Context, id, format string) (io.ReadCloser, error)
}
