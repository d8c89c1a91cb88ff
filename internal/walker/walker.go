// Package walker enumerates a remote tree and pairs every item with a decision.
package walker

import (
	"context"
	"iter"
	"path"
	"strings"

	"github.com/septianibnyohan/gdrive-syncer/internal/detect"
	"github.com/septianibnyohan/gdrive-syncer/internal/logging"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

// RecordReader reads persisted item records.
type RecordReader interface {
	GetRecord(ctx context.Context, remoteID string) (*models.ItemRecord, error)
}

// LocalChecker reports whether a local path exists.
type LocalChecker interface {
	Exists(p string) (bool, error)
}

// Task is one remote item, where it lands locally, and what to do with it.
type Task struct {
	Item         remote.Item
	ParentID     string // empty for children of the sync root
	LocalPath    string
	ExportFormat string // target extension for documents
	Record       *models.ItemRecord
	Decision     detect.Decision
	Unsupported  bool // document type without an export format
}

// Operation returns the history operation a transfer of this task performs.
func (t Task) Operation() models.Operation {
	switch t.Item.Kind {
	case models.KindFolder:
		return models.OpCreateFolder
	case models.KindDocument:
		return models.OpExport
	default:
		return models.OpDownload
	}
}

// Walker walks a remote tree depth first, one container listing at a time.
type Walker struct {
	client        remote.Client
	records       RecordReader
	local         LocalChecker
	exportFormats map[string]string

	// OnListError is called when a sub-container cannot be listed; the walk
	// continues with the remaining containers.
	OnListError func(containerID, localPath string, err error)
}

// New returns a walker.
func New(client remote.Client, records RecordReader, local LocalChecker, exportFormats map[string]string) *Walker {
	return &Walker{
		client:        client,
		records:       records,
		local:         local,
		exportFormats: exportFormats,
	}
}

type container struct {
	id   string
	path string
}

// Walk yields a task per remote item below rootID. Folders are yielded before
// their children are listed, and the consumer runs before the walk proceeds,
// so a folder can be created before anything inside it is visited. A non-nil
// error ends the sequence: the root listing failed, the client is no longer
// authenticated, the state store failed, or ctx was cancelled.
func (w *Walker) Walk(ctx context.Context, rootID string) iter.Seq2[Task, error] {
	return func(yield func(Task, error) bool) {
		seen := map[string]bool{rootID: true}
		stack := []container{{id: rootID}}

		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				yield(Task{}, err)
				return
			}
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			items, err := w.client.ListChildren(ctx, c.id)
			if err != nil {
				if c.id == rootID || remote.IsFatal(err) || ctx.Err() != nil {
					yield(Task{}, err)
					return
				}
				w.listFailed(c, err)
				continue
			}

			var folders []container
			for _, item := range items {
				if seen[item.ID] {
					logging.Debug("item already visited through another parent",
						logging.Item(item.ID, path.Join(c.path, item.Name)))
					continue
				}
				seen[item.ID] = true

				task, err := w.task(ctx, c, rootID, item)
				if err != nil {
					yield(Task{}, err)
					return
				}
				if !yield(task, nil) {
					return
				}
				if item.Kind == models.KindFolder {
					folders = append(folders, container{id: item.ID, path: task.LocalPath})
				}
			}
			// Reverse so the first listed folder is expanded first.
			for i := len(folders) - 1; i >= 0; i-- {
				stack = append(stack, folders[i])
			}
		}
	}
}

func (w *Walker) listFailed(c container, err error) {
	logging.Warn("cannot list folder, skipping its contents",
		logging.Item(c.id, c.path), logging.Err(err))
	if w.OnListError != nil {
		w.OnListError(c.id, c.path, err)
	}
}

func (w *Walker) task(ctx context.Context, parent container, rootID string, item remote.Item) (Task, error) {
	task := Task{Item: item}
	if parent.id != rootID {
		task.ParentID = parent.id
	}

	name := SanitizeName(item.Name, item.ID)
	if item.Kind == models.KindDocument {
		format, ok := w.exportFormats[item.DocType]
		if !ok {
			task.LocalPath = path.Join(parent.path, name)
			task.Unsupported = true
			task.Decision = detect.Decision{Action: detect.Skip, Reason: "no export format for " + item.DocType}
			return task, nil
		}
		task.ExportFormat = format
		if !strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(format)) {
			name += "." + format
		}
	}
	task.LocalPath = path.Join(parent.path, name)

	rec, err := w.records.GetRecord(ctx, item.ID)
	if err != nil {
		return Task{}, err
	}
	task.Record = rec

	present := false
	if rec != nil {
		present, err = w.local.Exists(task.LocalPath)
		if err != nil {
			logging.Warn("cannot stat local path", logging.Item(item.ID, task.LocalPath), logging.Err(err))
			present = false
		}
	}

	task.Decision = detect.Decide(detect.Input{
		Item:         item,
		Record:       rec,
		LocalPath:    task.LocalPath,
		LocalPresent: present,
	})
	return task, nil
}

// SanitizeName turns a remote item name into a single safe path segment.
func SanitizeName(name, id string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		case '\u3000': // full-width space
			return ' '
		case '\u200B', '\uFEFF', 0: // zero-width space, BOM, NUL
			return -1
		default:
			return r
		}
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "untitled-" + id
	}
	return name
}
