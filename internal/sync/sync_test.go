package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	gosync "sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/septianibnyohan/gdrive-syncer/internal/db"
	"github.com/septianibnyohan/gdrive-syncer/internal/localfs"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote/remotetest"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

var (
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(2 * time.Hour)
)

type testEnv struct {
	remote *remotetest.Store
	db     *db.DB
	fs     *localfs.FS
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	state, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return &testEnv{remote: remotetest.New("root"), db: state, fs: localfs.NewMemory()}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RootContainerID = "root"
	cfg.LocalRoot = "/srv/mirror"
	return cfg
}

func (e *testEnv) engine(t *testing.T, client remote.Client, store Store, local Local) *Engine {
	t.Helper()
	if client == nil {
		client = e.remote
	}
	if store == nil {
		store = e.db
	}
	if local == nil {
		local = e.fs
	}
	engine, err := New(testConfig(), client, store, local)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

func (e *testEnv) run(t *testing.T) *Summary {
	t.Helper()
	sum, err := e.engine(t, nil, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sum
}

func (e *testEnv) record(t *testing.T, id string) *models.ItemRecord {
	t.Helper()
	rec, err := e.db.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecord(%s): %v", id, err)
	}
	return rec
}

func (e *testEnv) history(t *testing.T, id string) []models.HistoryEntry {
	t.Helper()
	entries, err := e.db.ListHistory(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	return entries
}

func (e *testEnv) snapshot(t *testing.T) ([]models.ItemRecord, int) {
	t.Helper()
	records, err := e.db.ListRecords(context.Background(), "")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	return records, len(e.history(t, ""))
}

func buildTree(s *remotetest.Store) {
	s.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)
	s.AddFolder("root", "d1", "projects", t1)
	s.AddFolder("d1", "d2", "alpha", t1)
	s.AddFile("d1", "f2", "plan.md", []byte("# plan"), t1)
	s.AddFile("d2", "f3", "notes.txt", []byte("notes"), t1)
	s.AddDocument("d2", "s1", "budget", "spreadsheet", t1, map[string][]byte{"xlsx": []byte("PK-sheet")})
}

func TestFirstSyncOfSingleFile(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)
	env.remote.SetChecksum("f1", "abc")

	sum := env.run(t)
	if sum.Transferred != 1 {
		t.Errorf("Transferred = %d, want 1", sum.Transferred)
	}

	rec := env.record(t, "f1")
	if rec == nil || rec.State != models.StateSynced || rec.Checksum != "abc" || rec.LocalPath != "report.txt" {
		t.Fatalf("unexpected record %+v", rec)
	}
	entries := env.history(t, "f1")
	if len(entries) != 1 || entries[0].Operation != models.OpDownload || entries[0].Outcome != models.OutcomeSuccess {
		t.Errorf("unexpected history %+v", entries)
	}
	if data, _ := env.fs.ReadFile("report.txt"); string(data) != "quarterly" {
		t.Errorf("local content = %q", data)
	}
}

func TestSecondRunIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	buildTree(env.remote)

	first := env.run(t)
	if first.Transferred != 4 || first.Folders != 2 || first.Failed != 0 {
		t.Fatalf("unexpected first summary %+v", first)
	}
	transfers := env.remote.Transfers()
	records, entries := env.snapshot(t)

	second := env.run(t)
	if env.remote.Transfers() != transfers {
		t.Errorf("second run transferred %d items", env.remote.Transfers()-transfers)
	}
	if second.Skipped != 6 || second.Transferred != 0 || second.Folders != 0 {
		t.Errorf("unexpected second summary %+v", second)
	}
	after, afterEntries := env.snapshot(t)
	if !reflect.DeepEqual(records, after) {
		t.Errorf("records changed:\nbefore %+v\nafter  %+v", records, after)
	}
	if afterEntries != entries {
		t.Errorf("history grew from %d to %d entries", entries, afterEntries)
	}
}

func TestLaterTimeSameChecksumRefreshes(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)
	env.remote.SetChecksum("f1", "abc")
	env.run(t)

	env.remote.Touch("f1", t2)
	sum := env.run(t)
	if sum.Refreshed != 1 || sum.Transferred != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if env.remote.Fetches("f1") != 1 {
		t.Errorf("fetched %d times, want 1", env.remote.Fetches("f1"))
	}
	if rec := env.record(t, "f1"); !rec.RemoteModifiedAt.Equal(t2) || rec.Checksum != "abc" {
		t.Errorf("unexpected record %+v", rec)
	}
	if n := len(env.history(t, "f1")); n != 1 {
		t.Errorf("refresh must not add history, got %d entries", n)
	}
}

func TestModifiedItemTransfersExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("v1"), t1)
	env.run(t)

	env.remote.Update("f1", []byte("v2"), t2)
	env.run(t)
	env.run(t)

	if env.remote.Fetches("f1") != 2 {
		t.Errorf("fetched %d times, want 2", env.remote.Fetches("f1"))
	}
	if rec := env.record(t, "f1"); !rec.RemoteModifiedAt.Equal(t2) {
		t.Errorf("RemoteModifiedAt = %v, want %v", rec.RemoteModifiedAt, t2)
	}
	if data, _ := env.fs.ReadFile("report.txt"); string(data) != "v2" {
		t.Errorf("local content = %q", data)
	}
}

func TestEqualTimeChecksumChangeTransfers(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("v1"), t1)
	env.run(t)

	env.remote.Update("f1", []byte("v2"), t1)
	sum := env.run(t)
	if sum.Transferred != 1 || env.remote.Fetches("f1") != 2 {
		t.Errorf("checksum change must force a transfer: %+v", sum)
	}
}

func TestSpreadsheetExportedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddDocument("root", "s1", "budget", "spreadsheet", t1, map[string][]byte{"xlsx": []byte("PK-sheet")})

	env.run(t)
	env.run(t)

	if env.remote.Exports("s1") != 1 {
		t.Errorf("exported %d times, want 1", env.remote.Exports("s1"))
	}
	if data, _ := env.fs.ReadFile("budget.xlsx"); string(data) != "PK-sheet" {
		t.Errorf("local content = %q", data)
	}
	entries := env.history(t, "s1")
	if len(entries) != 1 || entries[0].Operation != models.OpExport {
		t.Errorf("unexpected history %+v", entries)
	}
	if rec := env.record(t, "s1"); rec.Kind != models.KindDocument || rec.State != models.StateSynced {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestUnsupportedDocumentSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddDocument("root", "x1", "survey", "form", t1, nil)

	sum := env.run(t)
	if sum.Unsupported != 1 || env.remote.Exports("x1") != 0 || env.record(t, "x1") != nil {
		t.Errorf("unsupported document must be skipped: %+v", sum)
	}
}

func TestMidStreamFailureKeepsPreviousContent(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFolder("root", "d1", "bin", t1)
	env.remote.AddFile("d1", "f1", "big.bin", []byte("complete version one"), t1)
	env.run(t)

	env.remote.Update("f1", []byte("complete version two"), t2)
	env.remote.FailMidStream("f1", 8, errors.New("connection reset by peer"))
	sum := env.run(t)
	if sum.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", sum.Failed)
	}

	rec := env.record(t, "f1")
	if rec.State != models.StateFailed || !rec.RemoteModifiedAt.Equal(t1) {
		t.Errorf("unexpected record %+v", rec)
	}
	entries := env.history(t, "f1")
	if entries[0].Outcome != models.OutcomeFailure || !strings.Contains(entries[0].Message, "connection reset") {
		t.Errorf("unexpected latest history entry %+v", entries[0])
	}
	if data, _ := env.fs.ReadFile("bin/big.bin"); string(data) != "complete version one" {
		t.Errorf("local content = %q, want previous version", data)
	}
	if tmp, _ := env.fs.TempFiles("bin"); len(tmp) != 0 {
		t.Errorf("temporary files left: %v", tmp)
	}

	env.remote.FailMidStream("f1", 0, nil)
	env.run(t)
	if rec := env.record(t, "f1"); rec.State != models.StateSynced || !rec.RemoteModifiedAt.Equal(t2) {
		t.Errorf("retry did not converge: %+v", rec)
	}
}

func TestFailedNewItemLeavesNoFile(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "big.bin", []byte("0123456789"), t1)
	env.remote.FailMidStream("f1", 4, errors.New("timeout"))

	env.run(t)
	if ok, _ := env.fs.Exists("big.bin"); ok {
		t.Error("partial file visible at destination")
	}
	if rec := env.record(t, "f1"); rec.State != models.StateFailed || rec.Size != -1 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestFolderRecordedBeforeChildren(t *testing.T) {
	env := newTestEnv(t)
	buildTree(env.remote)
	env.run(t)

	entries := env.history(t, "")
	firstEntry := map[string]int64{}
	for _, e := range entries {
		if id, ok := firstEntry[e.RemoteID]; !ok || e.ID < id {
			firstEntry[e.RemoteID] = e.ID
		}
	}

	records, _ := env.snapshot(t)
	for _, rec := range records {
		if rec.ParentID == "" {
			continue
		}
		if firstEntry[rec.ParentID] >= firstEntry[rec.RemoteID] {
			t.Errorf("%s recorded before its parent %s", rec.RemoteID, rec.ParentID)
		}
	}
}

func TestListErrorDoesNotStopRun(t *testing.T) {
	env := newTestEnv(t)
	buildTree(env.remote)
	env.remote.FailList("d2", remote.NewError("list", "d2", remote.ErrRateLimited, nil))

	sum := env.run(t)
	if sum.ListErrors != 1 || sum.Transferred != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestAuthFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "a.txt", []byte("a"), t1)
	env.remote.FailFetch("f1", remote.NewError("fetch", "f1", remote.ErrAuth, errors.New("token expired")))

	_, err := env.engine(t, nil, nil, nil).Run(context.Background())
	if !errors.Is(err, remote.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestRootListingFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.remote.FailList("root", errors.New("no route to host"))

	if _, err := env.engine(t, nil, nil, nil).Run(context.Background()); !errors.Is(err, remote.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

type fullDisk struct{ *localfs.FS }

func (fullDisk) WriteAtomic(p string, _ io.Reader) (localfs.WriteResult, error) {
	return localfs.WriteResult{}, &localfs.Error{Op: "write", Path: p, Err: syscall.ENOSPC}
}

func TestDiskFullIsReportedOnce(t *testing.T) {
	env := newTestEnv(t)
	buildTree(env.remote)

	sum, err := env.engine(t, nil, nil, fullDisk{env.fs}).Run(context.Background())
	if err != nil {
		t.Fatalf("disk full must not abort the run: %v", err)
	}
	if !sum.DiskFull || sum.Failed != 4 || sum.Folders != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if rec := env.record(t, "f3"); rec.State != models.StateFailed {
		t.Errorf("unexpected record %+v", rec)
	}
}

// crashingStore fails the first Apply for one remote id, as if the process
// died between the transfer and the state update.
type crashingStore struct {
	*db.DB
	id      string
	mu      gosync.Mutex
	crashed bool
}

func (s *crashingStore) Apply(ctx context.Context, rec *models.ItemRecord, entry *models.HistoryEntry) error {
	if rec != nil && rec.RemoteID == s.id {
		s.mu.Lock()
		crash := !s.crashed
		s.crashed = true
		s.mu.Unlock()
		if crash {
			return fmt.Errorf("apply: %w: disk I/O error", db.ErrStoreUnavailable)
		}
	}
	return s.DB.Apply(ctx, rec, entry)
}

func TestCrashBetweenTransferAndRecord(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)

	_, err := env.engine(t, nil, &crashingStore{DB: env.db, id: "f1"}, nil).Run(context.Background())
	if !errors.Is(err, db.ErrStoreUnavailable) {
		t.Fatalf("expected store failure, got %v", err)
	}
	if rec := env.record(t, "f1"); rec != nil {
		t.Fatalf("record written without its history: %+v", rec)
	}
	if n := len(env.history(t, "f1")); n != 0 {
		t.Fatalf("history written without its record: %d entries", n)
	}

	env.run(t)
	env.run(t)
	if env.remote.Fetches("f1") != 2 {
		t.Errorf("fetched %d times, want one retry", env.remote.Fetches("f1"))
	}
	entries := env.history(t, "f1")
	if rec := env.record(t, "f1"); rec.State != models.StateSynced || len(entries) != 1 || entries[0].Outcome != models.OutcomeSuccess {
		t.Errorf("record %+v history %+v", rec, entries)
	}
}

func TestPathCollisionAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)
	err := env.db.UpsertRecord(context.Background(), &models.ItemRecord{
		RemoteID: "gone", Name: "report.txt", LocalPath: "report.txt", Kind: models.KindFile,
		State: models.StateSynced, Size: -1,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.engine(t, nil, nil, nil).Run(context.Background())
	var sc *db.StateCorruptionError
	if !errors.As(err, &sc) || sc.RemoteID != "f1" || sc.OwnerID != "gone" {
		t.Fatalf("expected state corruption naming both ids, got %v", err)
	}

	if err := env.db.ForgetRecord(context.Background(), "gone"); err != nil {
		t.Fatal(err)
	}
	if sum := env.run(t); sum.Transferred != 1 {
		t.Errorf("forgetting the stale record must unblock the item: %+v", sum)
	}
}

func TestSameNameSiblingsDoNotOverwrite(t *testing.T) {
	env := newTestEnv(t)
	content := map[string]string{"a": "first", "b": "second"}
	env.remote.AddFile("root", "a", "report.txt", []byte(content["a"]), t1)
	env.remote.AddFile("root", "b", "report.txt", []byte(content["b"]), t1)

	for run := 1; run <= 2; run++ {
		_, err := env.engine(t, nil, nil, nil).Run(context.Background())
		if !errors.Is(err, db.ErrStateCorruption) {
			t.Fatalf("run %d: expected state corruption, got %v", run, err)
		}

		owner, err := env.db.GetRecordByPath(context.Background(), "report.txt")
		if err != nil || owner == nil {
			t.Fatalf("run %d: GetRecordByPath = %v, %v", run, owner, err)
		}
		want := content[owner.RemoteID]
		if data, _ := env.fs.ReadFile("report.txt"); string(data) != want {
			t.Errorf("run %d: local content = %q, want %q of %s", run, data, want, owner.RemoteID)
		}
		if owner.State != models.StateSynced || owner.Checksum != remotetest.Checksum([]byte(want)) {
			t.Errorf("run %d: owner record does not match local content: %+v", run, owner)
		}
	}

	if n := env.remote.Transfers(); n != 1 {
		t.Errorf("Transfers = %d, want 1", n)
	}
	for id := range content {
		if rec := env.record(t, id); rec != nil && rec.State != models.StateSynced {
			t.Errorf("unexpected record %+v", rec)
		}
	}
}

func TestMissingLocalCopyIsRestored(t *testing.T) {
	env := newTestEnv(t)
	billyFS := memfs.New()
	env.fs = localfs.Wrap(billyFS)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)
	env.run(t)

	if err := billyFS.Remove("report.txt"); err != nil {
		t.Fatal(err)
	}
	if sum := env.run(t); sum.Transferred != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if ok, _ := env.fs.Exists("report.txt"); !ok {
		t.Error("local copy not restored")
	}
}

type cancellingClient struct {
	*remotetest.Store
	cancel context.CancelFunc
}

func (c cancellingClient) Fetch(ctx context.Context, _ string) (io.ReadCloser, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestCancelledTransferLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := env.engine(t, cancellingClient{Store: env.remote, cancel: cancel}, nil, nil)
	if _, err := engine.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if rec := env.record(t, "f1"); rec != nil {
		t.Errorf("interrupted transfer changed the record: %+v", rec)
	}

	env.run(t)
	if rec := env.record(t, "f1"); rec.State != models.StateSynced {
		t.Errorf("restart did not converge: %+v", rec)
	}
}

func TestStopBeforeRun(t *testing.T) {
	env := newTestEnv(t)
	buildTree(env.remote)

	engine := env.engine(t, nil, nil, nil)
	engine.Stop()
	engine.Stop()
	sum, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.remote.Transfers() != 0 || sum.Transferred != 0 {
		t.Errorf("stopped engine transferred items: %+v", sum)
	}
	if err := engine.RunEvery(context.Background(), time.Hour, nil); err != nil {
		t.Errorf("RunEvery after Stop: %v", err)
	}
}

func TestRunEveryStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	env.remote.AddFile("root", "f1", "report.txt", []byte("quarterly"), t1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	passes := 0
	err := env.engine(t, nil, nil, nil).RunEvery(ctx, time.Hour, func(sum *Summary, err error) {
		passes++
		if err != nil || sum.Transferred != 1 {
			t.Errorf("pass: %+v, %v", sum, err)
		}
		cancel()
	})
	if !errors.Is(err, context.Canceled) || passes != 1 {
		t.Errorf("RunEvery returned %v after %d passes", err, passes)
	}
}

func TestSummaryPrint(t *testing.T) {
	sum := &Summary{Transferred: 3, Bytes: 2048, Failed: 1, DiskFull: true, Duration: 2 * time.Second}
	var b strings.Builder
	sum.Print(&b)
	out := b.String()
	for _, want := range []string{"Transferred: 3 files (2.0 KiB)", "Failed: 1", "ran out of space"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no root", mutate: func(c *Config) { c.RootContainerID = "" }, wantErr: true},
		{name: "no local root", mutate: func(c *Config) { c.LocalRoot = "" }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: true},
		{name: "bad export format", mutate: func(c *Config) { c.ExportFormats["document"] = "../pdf" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var wg gosync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if len(k.locks) != 0 {
		t.Errorf("%d locks leaked", len(k.locks))
	}
}
