package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/urfave/cli/v2"

	"github.com/septianibnyohan/gdrive-syncer/internal/db"
	"github.com/septianibnyohan/gdrive-syncer/internal/localfs"
	"github.com/septianibnyohan/gdrive-syncer/internal/logging"
	"github.com/septianibnyohan/gdrive-syncer/internal/metrics"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote/drive"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote/minio"
	"github.com/septianibnyohan/gdrive-syncer/internal/report"
	"github.com/septianibnyohan/gdrive-syncer/internal/sync"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
	"github.com/septianibnyohan/gdrive-syncer/pkg/utils"
	"github.com/septianibnyohan/gdrive-syncer/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	projectFlag := &cli.StringFlag{
		Name:     "project",
		Usage:    "Project name",
		EnvVars:  []string{"GDSYNC_PROJECT"},
		Required: true,
	}

	app := &cli.App{
		Name:                 "gdsync",
		Usage:                "Mirror a Google Drive folder or a bucket into a local directory",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "Directory holding the project state databases",
				Value:   ".",
				EnvVars: []string{"GDSYNC_STATE_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"GDSYNC_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: json or console",
				Value:   "console",
				EnvVars: []string{"GDSYNC_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Write logs to a rotated file instead of stderr",
				EnvVars: []string{"GDSYNC_LOG_FILE"},
			},
		},
		Before: func(c *cli.Context) error {
			return logging.Init(logging.Config{
				Level:  c.String("log-level"),
				Format: c.String("log-format"),
				File:   c.String("log-file"),
			})
		},
		After: func(c *cli.Context) error {
			_ = logging.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a new sync project",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Project name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "backend",
						Usage: "Remote backend: drive or minio",
						Value: "drive",
					},
					&cli.StringFlag{
						Name:     "root",
						Usage:    "Remote root: Drive folder id, or bucket prefix (\"/\" for the whole bucket)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "local",
						Usage:    "Local directory to mirror into",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "credentials",
						Usage:   "Drive service account key or authorized user credentials file (installed-app OAuth client secrets are not accepted)",
						EnvVars: []string{"GDSYNC_CREDENTIALS"},
					},
					&cli.StringFlag{
						Name:  "endpoint",
						Usage: "MinIO endpoint",
					},
					&cli.StringFlag{
						Name:  "bucket",
						Usage: "MinIO bucket name",
					},
					&cli.StringFlag{
						Name:    "access-key",
						Usage:   "MinIO access key",
						EnvVars: []string{"GDSYNC_ACCESS_KEY"},
					},
					&cli.StringFlag{
						Name:    "secret-key",
						Usage:   "MinIO secret key",
						EnvVars: []string{"GDSYNC_SECRET_KEY"},
					},
					&cli.BoolFlag{
						Name:  "use-ssl",
						Usage: "Connect to MinIO over TLS",
						Value: true,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel transfers",
						Value: sync.DefaultConfig().Workers,
					},
					&cli.StringSliceFlag{
						Name:  "export",
						Usage: "Export format per document type, e.g. --export document=docx (repeatable)",
					},
				},
				Action: createProject,
			},
			{
				Name:  "sync",
				Usage: "Start synchronization",
				Flags: []cli.Flag{
					projectFlag,
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel transfers (0 uses the project setting)",
					},
					&cli.DurationFlag{
						Name:  "every",
						Usage: "Repeat the sync at this interval, e.g. 30m",
					},
					&cli.BoolFlag{
						Name:  "interactive",
						Usage: "Press q or Esc to stop after the transfers in flight",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar",
						Value: true,
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Serve Prometheus metrics on this address during the sync, e.g. :9090",
						EnvVars: []string{"GDSYNC_METRICS_ADDR"},
					},
				},
				Action: startSync,
			},
			{
				Name:  "status",
				Usage: "Show project status",
				Flags: []cli.Flag{
					projectFlag,
					&cli.BoolFlag{
						Name:  "failed",
						Usage: "List the items whose last transfer failed",
					},
					&cli.StringFlag{
						Name:  "xlsx",
						Usage: "Export the tracked items and stats to this xlsx file",
					},
				},
				Action: showStatus,
			},
			{
				Name:  "history",
				Usage: "Show the sync history",
				Flags: []cli.Flag{
					projectFlag,
					&cli.StringFlag{
						Name:  "remote-id",
						Usage: "Only show entries of this remote item",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of entries (0 for all)",
						Value: 50,
					},
					&cli.StringFlag{
						Name:  "xlsx",
						Usage: "Export the entries to this xlsx file",
					},
				},
				Action: showHistory,
			},
			{
				Name:  "forget",
				Usage: "Stop tracking an item so its local path can be claimed by another",
				Flags: []cli.Flag{
					projectFlag,
					&cli.StringFlag{
						Name:     "remote-id",
						Usage:    "Remote id named in a state corruption report",
						Required: true,
					},
				},
				Action: forgetItem,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createProject stores a new project configuration in its state database.
func createProject(c *cli.Context) error {
	projectName := c.String("name")

	formats, err := parseExportFormats(c.StringSlice("export"))
	if err != nil {
		return err
	}

	project := &models.Project{
		Name:            projectName,
		Backend:         c.String("backend"),
		RootContainerID: c.String("root"),
		LocalRoot:       c.String("local"),
		ExportFormats:   formats,
		Workers:         c.Int("workers"),
	}
	project.Remote.Credentials = c.String("credentials")
	project.Remote.Endpoint = c.String("endpoint")
	project.Remote.Bucket = c.String("bucket")
	project.Remote.AccessKey = c.String("access-key")
	project.Remote.SecretKey = c.String("secret-key")
	project.Remote.UseSSL = c.Bool("use-ssl")

	if err := validateProject(project); err != nil {
		return err
	}

	database, err := db.New(c.String("state-dir"), projectName)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := database.CreateProject(c.Context, project); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	fmt.Printf("Project '%s' created successfully\n", projectName)
	return nil
}

func validateProject(p *models.Project) error {
	switch p.Backend {
	case "drive":
		if p.Remote.Credentials == "" {
			return fmt.Errorf("--credentials is required for the drive backend")
		}
	case "minio":
		if p.Remote.Endpoint == "" || p.Remote.Bucket == "" {
			return fmt.Errorf("--endpoint and --bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", p.Backend)
	}
	cfg := syncConfig(p)
	return cfg.Validate()
}

// parseExportFormats overlays type=ext pairs on the default export formats.
func parseExportFormats(pairs []string) (map[string]string, error) {
	formats := sync.DefaultExportFormats()
	for _, pair := range pairs {
		docType, ext, ok := strings.Cut(pair, "=")
		docType, ext = strings.TrimSpace(docType), strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if !ok || docType == "" || ext == "" {
			return nil, fmt.Errorf("invalid export format %q, want type=extension", pair)
		}
		formats[docType] = ext
	}
	return formats, nil
}

func syncConfig(p *models.Project) sync.Config {
	cfg := sync.DefaultConfig()
	cfg.RootContainerID = p.RootContainerID
	cfg.LocalRoot = p.LocalRoot
	if len(p.ExportFormats) > 0 {
		cfg.ExportFormats = p.ExportFormats
	}
	if p.Workers > 0 {
		cfg.Workers = p.Workers
	}
	return cfg
}

func openProject(c *cli.Context) (*db.DB, *models.Project, error) {
	projectName := c.String("project")
	database, err := db.New(c.String("state-dir"), projectName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	project, err := database.GetProject(c.Context, projectName)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to get project: %w", err)
	}
	return database, project, nil
}

func newClient(ctx context.Context, p *models.Project) (remote.Client, error) {
	switch p.Backend {
	case "drive":
		client, err := drive.New(ctx, p.Remote.Credentials)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "minio":
		client, err := minio.New(minio.Config{
			Endpoint:  p.Remote.Endpoint,
			AccessKey: p.Remote.AccessKey,
			SecretKey: p.Remote.SecretKey,
			Bucket:    p.Remote.Bucket,
			UseSSL:    p.Remote.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", p.Backend)
	}
}

func startSync(c *cli.Context) error {
	database, project, err := openProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	cfg := syncConfig(project)
	if w := c.Int("workers"); w > 0 {
		cfg.Workers = w
	}
	cfg.ShowProgress = c.Bool("progress")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newClient(ctx, project)
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", project.Backend, err)
	}

	localRoot, err := filepath.Abs(project.LocalRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create local root: %w", err)
	}
	cfg.LocalRoot = localRoot

	engine, err := sync.New(cfg, client, database, localfs.New(localRoot))
	if err != nil {
		return err
	}

	if addr := c.String("metrics-addr"); addr != "" {
		srv := serveMetrics(addr)
		defer srv.Close()
	}
	if c.Bool("interactive") {
		closeKeys, err := stopOnKey(engine)
		if err != nil {
			return err
		}
		defer closeKeys()
	}

	printSummary := func(sum *sync.Summary, _ error) {
		if sum != nil {
			sum.Print(os.Stdout)
		}
	}

	if every := c.Duration("every"); every > 0 {
		err = engine.RunEvery(ctx, every, printSummary)
	} else {
		var sum *sync.Summary
		sum, err = engine.Run(ctx)
		printSummary(sum, err)
	}

	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println("Sync interrupted; the next run resumes from the recorded state")
		return nil
	case errors.Is(err, remote.ErrAuth):
		return fmt.Errorf("remote rejected the credentials, run aborted: %w", err)
	case errors.Is(err, db.ErrStateCorruption):
		return fmt.Errorf("%w\nif the holder is stale, resolve it with: gdsync forget --project %s --remote-id <holder id>; "+
			"if both items exist remotely, rename one of them", err, project.Name)
	case err != nil:
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logging.Info("serving metrics", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", logging.Err(err))
		}
	}()
	return srv
}

// stopOnKey stops the engine when q or Esc is pressed.
func stopOnKey(engine *sync.Engine) (func(), error) {
	keys, err := keyboard.GetKeys(10)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyboard: %w", err)
	}
	fmt.Println("Press q or Esc to stop after the current transfers")
	go func() {
		for ev := range keys {
			if ev.Err != nil {
				return
			}
			if ev.Rune == 'q' || ev.Rune == 'Q' || ev.Key == keyboard.KeyEsc || ev.Key == keyboard.KeyCtrlC {
				engine.Stop()
				return
			}
		}
	}()
	return func() { _ = keyboard.Close() }, nil
}

// showStatus prints the stored state of the project.
func showStatus(c *cli.Context) error {
	database, project, err := openProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Project: %s (%s)\n", project.Name, project.Backend)
	fmt.Printf("Remote Root: %s\n", project.RootContainerID)
	fmt.Printf("Local Root: %s\n", project.LocalRoot)
	fmt.Printf("Tracked Items: %d (Size: %s, Folders: %d)\n", stats.TotalItems, utils.FormatSize(stats.TotalSize), stats.Folders)
	fmt.Printf("Synced: %d (Size: %s)\n", stats.SyncedItems, utils.FormatSize(stats.SyncedSize))
	fmt.Printf("Failed: %d  Pending: %d  Conflicted: %d  Forgotten: %d\n",
		stats.FailedItems, stats.PendingItems, stats.ConflictedItems, stats.DeletedItems)
	fmt.Printf("History Entries: %d\n", stats.HistoryEntries)
	if stats.TotalItems > 0 {
		fmt.Printf("Progress: %.2f%% (Items)\n", float64(stats.SyncedItems)/float64(stats.TotalItems)*100)
	}

	if c.Bool("failed") {
		failed, err := database.ListRecords(c.Context, models.StateFailed)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		for _, rec := range failed {
			fmt.Printf("  %s  %s\n", rec.RemoteID, rec.LocalPath)
		}
	}

	if path := c.String("xlsx"); path != "" {
		records, err := database.ListRecords(c.Context, "")
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		if err := writeFile(path, func(f *os.File) error { return report.WriteStatus(f, records, stats) }); err != nil {
			return err
		}
		fmt.Printf("Status exported to %s\n", path)
	}
	return nil
}

// showHistory prints the newest history entries first.
func showHistory(c *cli.Context) error {
	database, _, err := openProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	entries, err := database.ListHistory(c.Context, c.String("remote-id"), c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	if path := c.String("xlsx"); path != "" {
		if err := writeFile(path, func(f *os.File) error { return report.WriteHistory(f, entries) }); err != nil {
			return err
		}
		fmt.Printf("%d entries exported to %s\n", len(entries), path)
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-13s %-7s %s", utils.FormatTime(e.Timestamp), e.Operation, e.Outcome, e.RemoteID)
		if e.Message != "" {
			line += "  " + e.Message
		}
		fmt.Println(line)
	}
	return nil
}

func forgetItem(c *cli.Context) error {
	database, _, err := openProject(c)
	if err != nil {
		return err
	}
	defer database.Close()

	id := c.String("remote-id")
	if err := database.ForgetRecord(c.Context, id); err != nil {
		return fmt.Errorf("failed to forget %s: %w", id, err)
	}
	fmt.Printf("Remote id %s is no longer tracked; the next sync will transfer it again\n", id)
	return nil
}

func writeFile(path string, fn func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
