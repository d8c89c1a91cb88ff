// Package transfer performs the action decided for a walked item and turns the
// result into the record and history entry the state store persists.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/septianibnyohan/gdrive-syncer/internal/detect"
	"github.com/septianibnyohan/gdrive-syncer/internal/localfs"
	"github.com/septianibnyohan/gdrive-syncer/internal/logging"
	"github.com/septianibnyohan/gdrive-syncer/internal/metrics"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/internal/walker"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
	"github.com/septianibnyohan/gdrive-syncer/pkg/utils"
)

// ErrChecksumMismatch means the streamed content does not hash to the checksum
// the remote reported. It is wrapped in a remote.Error of kind ErrTransport.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Writer is the local side of a transfer.
type Writer interface {
	EnsureDirectory(p string) (bool, error)
	WriteAtomic(p string, r io.Reader) (localfs.WriteResult, error)
}

// Result is what a successful Execute produced.
type Result struct {
	Checksum string
	Size     int64 // -1 for folders
	SyncedAt time.Time
	Created  bool // folder had to be created
}

// Executor runs transfers against one remote and one local root.
type Executor struct {
	client remote.Client
	local  Writer
	now    func() time.Time
}

// New returns an executor.
func New(client remote.Client, local Writer) *Executor {
	return &Executor{client: client, local: local, now: time.Now}
}

// Execute performs the CreateFolder or Transfer action of task. Errors are either
// a *remote.Error, a *localfs.Error or the context error.
func (e *Executor) Execute(ctx context.Context, task walker.Task) (Result, error) {
	switch task.Decision.Action {
	case detect.CreateFolder:
		created, err := e.local.EnsureDirectory(task.LocalPath)
		if err != nil {
			return Result{}, err
		}
		return Result{Size: -1, SyncedAt: e.now(), Created: created}, nil
	case detect.Transfer:
		return e.transfer(ctx, task)
	default:
		return Result{}, fmt.Errorf("transfer: nothing to execute for %s %s", task.Decision.Action, task.Item.ID)
	}
}

func (e *Executor) transfer(ctx context.Context, task walker.Task) (Result, error) {
	item := task.Item
	if item.Kind == models.KindFolder {
		return Result{}, fmt.Errorf("transfer: %s is a folder", item.ID)
	}

	var (
		body io.ReadCloser
		err  error
	)
	if item.Kind == models.KindDocument {
		body, err = e.client.Export(ctx, item.ID, task.ExportFormat)
	} else {
		body, err = e.client.Fetch(ctx, item.ID)
	}
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	var r io.Reader = body
	if item.Kind == models.KindFile && isMD5(item.Checksum) {
		r = &verifyingReader{r: body, h: md5.New(), want: item.Checksum, id: item.ID}
	}

	started := e.now()
	written, err := e.local.WriteAtomic(task.LocalPath, r)
	if err != nil {
		return Result{}, err
	}
	metrics.RecordTransfer(written.Size)
	logging.Debug("transferred",
		logging.Item(item.ID, task.LocalPath),
		logging.String("size", utils.FormatSize(written.Size)),
		logging.Duration("took", e.now().Sub(started)))

	res := Result{Checksum: written.Checksum, Size: written.Size, SyncedAt: e.now()}
	if item.Kind == models.KindFile && item.Checksum != "" {
		res.Checksum = item.Checksum
	}
	return res, nil
}

// Outcome builds the record and history entry for an executed task. On failure
// the previous record values are kept so the next pass retries from them.
func Outcome(task walker.Task, res Result, execErr error, now time.Time) (*models.ItemRecord, *models.HistoryEntry) {
	entry := &models.HistoryEntry{
		RemoteID:  task.Item.ID,
		Operation: task.Operation(),
		Timestamp: now,
	}

	if execErr != nil {
		entry.Outcome = models.OutcomeFailure
		entry.Message = execErr.Error()

		var rec models.ItemRecord
		if task.Record != nil && !task.Record.Deleted {
			rec = *task.Record
		} else {
			rec = baseRecord(task)
			rec.Size = -1
		}
		rec.State = models.StateFailed
		return &rec, entry
	}

	entry.Outcome = models.OutcomeSuccess
	entry.Message = task.Decision.Reason

	rec := baseRecord(task)
	rec.RemoteModifiedAt = task.Item.ModifiedAt
	rec.LocalSyncedAt = res.SyncedAt
	rec.Checksum = res.Checksum
	rec.Size = res.Size
	rec.State = models.StateSynced
	return &rec, entry
}

// Refreshed returns the record of a Refresh decision: the remote moved its
// modification time without new content, so only metadata changes.
func Refreshed(task walker.Task) *models.ItemRecord {
	rec := *task.Record
	rec.ParentID = task.ParentID
	rec.Name = task.Item.Name
	rec.RemoteModifiedAt = task.Item.ModifiedAt
	return &rec
}

func baseRecord(task walker.Task) models.ItemRecord {
	return models.ItemRecord{
		RemoteID:  task.Item.ID,
		ParentID:  task.ParentID,
		Name:      task.Item.Name,
		LocalPath: task.LocalPath,
		Kind:      task.Item.Kind,
	}
}

func isMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// verifyingReader fails the stream at EOF when the content does not match want,
// so WriteAtomic discards the temporary file.
type verifyingReader struct {
	r    io.Reader
	h    hash.Hash
	want string
	id   string
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.h.Write(p[:n])
	if err == io.EOF {
		if got := hex.EncodeToString(v.h.Sum(nil)); !strings.EqualFold(got, v.want) {
			return n, remote.NewError("fetch", v.id, remote.ErrTransport,
				fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, v.want))
		}
	}
	return n, err
}
