package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/septianibnyohan/gdrive-syncer/internal/db"
	"github.com/septianibnyohan/gdrive-syncer/internal/detect"
	"github.com/septianibnyohan/gdrive-syncer/internal/localfs"
	"github.com/septianibnyohan/gdrive-syncer/internal/logging"
	"github.com/septianibnyohan/gdrive-syncer/internal/metrics"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/internal/transfer"
	"github.com/septianibnyohan/gdrive-syncer/internal/walker"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

// Store is the state the engine reads decisions from and applies outcomes to.
type Store interface {
	walker.RecordReader
	GetRecordByPath(ctx context.Context, localPath string) (*models.ItemRecord, error)
	Apply(ctx context.Context, rec *models.ItemRecord, entry *models.HistoryEntry) error
}

// Local is the local sync root.
type Local interface {
	walker.LocalChecker
	transfer.Writer
}

// Config holds the configuration of one engine.
type Config struct {
	RootContainerID string
	LocalRoot       string
	ExportFormats   map[string]string // document type -> file extension
	Workers         int
	ShowProgress    bool
}

// DefaultExportFormats returns the export format of every supported document type.
func DefaultExportFormats() map[string]string {
	return map[string]string{
		"document":     "pdf",
		"spreadsheet":  "xlsx",
		"presentation": "pdf",
		"drawing":      "png",
	}
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		ExportFormats: DefaultExportFormats(),
		Workers:       4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.RootContainerID == "" {
		errs = append(errs, errors.New("root container id is required"))
	}
	if c.LocalRoot == "" {
		errs = append(errs, errors.New("local root is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	for docType, ext := range c.ExportFormats {
		if ext == "" || strings.ContainsAny(ext, `./\`) {
			errs = append(errs, fmt.Errorf("invalid export format %q for %s", ext, docType))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid sync config: %w", err)
	}
	return nil
}

// Engine reconciles one remote tree into one local root.
type Engine struct {
	cfg      Config
	client   remote.Client
	store    Store
	local    Local
	executor *transfer.Executor
	locks    *keyedMutex // by remote id
	paths    *keyedMutex // by local path
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an engine.
func New(cfg Config, client remote.Client, store Store, local Local) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    store,
		local:    local,
		executor: transfer.New(client, local),
		locks:    newKeyedMutex(),
		paths:    newKeyedMutex(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}, nil
}

// Stop asks a running pass to stop dispatching items. Items already being
// transferred are finished and recorded.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		logging.Info("stop requested, finishing in-flight transfers")
		close(e.stop)
	})
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// Run performs one reconciliation pass. Per-item failures are recorded and
// counted in the summary; the returned error is set only when the pass was
// aborted: authentication failure, state store failure or corruption, or ctx.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := e.now()
	sum := &Summary{}
	prog := newProgress(e.cfg.ShowProgress)

	logging.Info("sync started",
		logging.String("root", e.cfg.RootContainerID),
		logging.String("local_root", e.cfg.LocalRoot),
		logging.Int("workers", e.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan walker.Task, e.cfg.Workers)

	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for task := range tasks {
				if err := e.process(gctx, task, sum); err != nil {
					return err
				}
				prog.done(sum)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(tasks)

		w := walker.New(e.client, e.store, e.local, e.cfg.ExportFormats)
		w.OnListError = func(string, string, error) { sum.add(func(s *Summary) { s.ListErrors++ }) }

		for task, err := range w.Walk(gctx, e.cfg.RootContainerID) {
			if err != nil {
				return err
			}
			if e.stopped() {
				return nil
			}
			prog.found()

			// Folders run inline so they exist and are recorded before the
			// walk lists their children.
			if task.Item.Kind == models.KindFolder || task.Decision.Action == detect.Skip {
				if err := e.process(gctx, task, sum); err != nil {
					return err
				}
				prog.done(sum)
				continue
			}

			select {
			case tasks <- task:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err := g.Wait()
	prog.finish()
	sum.Duration = e.now().Sub(start)
	metrics.RecordRun(sum.Duration, err == nil)

	if err != nil {
		logging.Error("sync aborted", logging.Err(err), logging.Duration("duration", sum.Duration))
		return sum, err
	}
	logging.Info("sync finished",
		logging.Int("transferred", sum.Transferred),
		logging.Int("folders", sum.Folders),
		logging.Int("refreshed", sum.Refreshed),
		logging.Int("skipped", sum.Skipped),
		logging.Int("failed", sum.Failed),
		logging.Int("unsupported", sum.Unsupported),
		logging.Duration("duration", sum.Duration))
	return sum, nil
}

// RunEvery runs a pass immediately and then once per interval until ctx is
// done, Stop is called or a pass is aborted.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration, report func(*Summary, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sum, err := e.Run(ctx)
		if report != nil {
			report(sum, err)
		}
		if err != nil {
			return err
		}

		logging.Info("waiting for next pass", logging.Duration("interval", interval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case <-ticker.C:
		}
	}
}

// process decides, executes and records one task while holding its id and
// path locks.
func (e *Engine) process(ctx context.Context, task walker.Task, sum *Summary) error {
	if task.Decision.Action == detect.Skip {
		if task.Unsupported {
			logging.Info("skipping document without export format",
				logging.Item(task.Item.ID, task.LocalPath),
				logging.String("type", task.Item.DocType))
			sum.add(func(s *Summary) { s.Unsupported++ })
		} else {
			sum.add(func(s *Summary) { s.Skipped++ })
		}
		metrics.RecordItem(detect.Skip.String(), true)
		return nil
	}

	unlock := e.locks.lock(task.Item.ID)
	defer unlock()

	task, err := e.revalidate(ctx, task)
	if err != nil {
		return err
	}

	switch task.Decision.Action {
	case detect.Skip:
		sum.add(func(s *Summary) { s.Skipped++ })
		metrics.RecordItem(detect.Skip.String(), true)
		return nil
	case detect.Refresh:
		if err := e.store.Apply(context.WithoutCancel(ctx), transfer.Refreshed(task), nil); err != nil {
			return fmt.Errorf("record refresh of %s: %w", task.Item.ID, err)
		}
		sum.add(func(s *Summary) { s.Refreshed++ })
		metrics.RecordItem(detect.Refresh.String(), true)
		logging.Debug("refreshed", logging.Item(task.Item.ID, task.LocalPath), logging.String("reason", task.Decision.Reason))
		return nil
	}

	// Path locks are taken after id locks, never the other way around.
	unlockPath := e.paths.lock(task.LocalPath)
	defer unlockPath()
	if err := e.claimPath(ctx, task); err != nil {
		return err
	}

	res, execErr := e.executor.Execute(ctx, task)
	if execErr != nil && ctx.Err() != nil {
		// Interrupted; the next pass derives the same decision again.
		return ctx.Err()
	}

	rec, entry := transfer.Outcome(task, res, execErr, e.now())
	if err := e.store.Apply(context.WithoutCancel(ctx), rec, entry); err != nil {
		return fmt.Errorf("record %s of %s: %w", entry.Operation, task.Item.ID, err)
	}
	metrics.RecordItem(task.Decision.Action.String(), execErr == nil)

	if execErr != nil {
		return e.failed(task, execErr, sum)
	}

	logging.Info("synced",
		logging.Item(task.Item.ID, task.LocalPath),
		logging.String("operation", string(entry.Operation)),
		logging.String("reason", task.Decision.Reason))
	sum.add(func(s *Summary) {
		if task.Item.Kind == models.KindFolder {
			s.Folders++
			return
		}
		s.Transferred++
		s.Bytes += res.Size
	})
	return nil
}

func (e *Engine) failed(task walker.Task, err error, sum *Summary) error {
	if remote.IsFatal(err) {
		return err
	}

	diskFull := localfs.IsDiskFull(err)
	first := false
	sum.add(func(s *Summary) {
		s.Failed++
		if diskFull && !s.DiskFull {
			s.DiskFull = true
			first = true
		}
	})
	if first {
		logging.Warn("local disk is full, remaining transfers will likely fail", logging.Err(err))
	}
	logging.Warn("sync failed", logging.Item(task.Item.ID, task.LocalPath), logging.Err(err))
	return nil
}

// claimPath fails when another live record owns the task's local path, before
// anything is written there.
func (e *Engine) claimPath(ctx context.Context, task walker.Task) error {
	owner, err := e.store.GetRecordByPath(ctx, task.LocalPath)
	if err != nil {
		return err
	}
	if owner != nil && owner.RemoteID != task.Item.ID {
		return &db.StateCorruptionError{
			RemoteID:  task.Item.ID,
			LocalPath: task.LocalPath,
			OwnerID:   owner.RemoteID,
		}
	}
	return nil
}

// revalidate re-derives the decision when the record changed after the walk
// read it.
func (e *Engine) revalidate(ctx context.Context, task walker.Task) (walker.Task, error) {
	current, err := e.store.GetRecord(ctx, task.Item.ID)
	if err != nil {
		return task, err
	}
	if sameRecord(current, task.Record) {
		return task, nil
	}

	present := false
	if current != nil {
		if present, err = e.local.Exists(task.LocalPath); err != nil {
			present = false
		}
	}
	task.Record = current
	task.Decision = detect.Decide(detect.Input{
		Item:         task.Item,
		Record:       current,
		LocalPath:    task.LocalPath,
		LocalPresent: present,
	})
	logging.Debug("record changed since walk, decision re-derived",
		logging.Item(task.Item.ID, task.LocalPath),
		logging.String("action", task.Decision.Action.String()))
	return task, nil
}

func sameRecord(a, b *models.ItemRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.State == b.State &&
		a.Deleted == b.Deleted &&
		a.LocalPath == b.LocalPath &&
		a.Checksum == b.Checksum &&
		a.RemoteModifiedAt.Equal(b.RemoteModifiedAt) &&
		a.LocalSyncedAt.Equal(b.LocalSyncedAt)
}

// keyedMutex serialises work on the same key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
