// cmd/datasync/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openroll/datasync/pkg/config"
	"github.com/openroll/datasync/pkg/connector"
	"github.com/openroll/datasync/pkg/extract"
	"github.com/openroll/datasync/pkg/load"
	"github.com/openroll/datasync/pkg/logging"
	"github.com/openroll/datasync/pkg/model"
	"github.com/openroll/datasync/pkg/registry"
	"github.com/openroll/datasync/pkg/schedule"
	"github.com/openroll/datasync/pkg/store"
	"github.com/openroll/datasync/pkg/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: datasync <command> [flags]

Commands:
  full                      run a full sync of all enabled tables
  incremental               sync rows changed since the last successful run
  import -file F -table T   import a file into one table
  status -job ID            show a job's status document
  logs -job ID              show a job's durable log
  cancel -job ID            request cooperative cancellation
  conflicts -job ID         export a job's conflicts as JSON
  resolve -conflict ID -pick source|target
                            apply a manual verdict to a parked conflict
  purge -days N             delete finished jobs older than N days
  serve                     run scheduled incremental syncs (SYNC_SCHEDULE)
`)
}

func run() error {
	// Missing .env is fine; production sets real environment variables.
	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("missing command")
	}
	command := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Load(cfg.TableConfigPath, logger)
	if err != nil {
		return err
	}

	sourceConn, err := connector.Connect(ctx, cfg.Source)
	if err != nil {
		return err
	}
	defer sourceConn.Close()

	targetConn, err := connector.Connect(ctx, cfg.Target)
	if err != nil {
		return err
	}
	defer targetConn.Close()

	// Fail fast before accepting any job.
	if err := sourceConn.Validate(ctx); err != nil {
		return err
	}
	if err := targetConn.Validate(ctx); err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := sync.NewEngine(
		cfg,
		reg,
		st,
		extract.NewSQLSource(sourceConn, logger),
		load.New(targetConn, logger),
		logger,
	)

	switch command {
	case "full":
		return runJob(ctx, engine, func() (jobID string, err error) {
			job, err := engine.StartFullSync(ctx, currentUser())
			if err != nil {
				return "", err
			}
			return job.ID, nil
		})

	case "incremental":
		return runJob(ctx, engine, func() (string, error) {
			job, err := engine.StartIncrementalSync(ctx, currentUser())
			if err != nil {
				return "", err
			}
			return job.ID, nil
		})

	case "import":
		fs := flag.NewFlagSet("import", flag.ExitOnError)
		file := fs.String("file", "", "path of the file to import")
		table := fs.String("table", "", "target table name")
		mapping := fs.String("mapping", "", "named field mapping (optional)")
		year := fs.Int("year", 0, "tax year stamped on every imported row (optional)")
		fs.Parse(args)
		if *file == "" || *table == "" {
			return fmt.Errorf("import requires -file and -table")
		}
		return runJob(ctx, engine, func() (string, error) {
			job, err := engine.StartFileImport(ctx, *file, *table, *mapping, *year, currentUser())
			if err != nil {
				return "", err
			}
			return job.ID, nil
		})

	case "status":
		jobID, err := jobFlag(args, "status")
		if err != nil {
			return err
		}
		view, err := engine.GetJobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		return printJSON(view)

	case "logs":
		fs := flag.NewFlagSet("logs", flag.ExitOnError)
		jobID := fs.String("job", "", "job id")
		level := fs.String("level", "", "filter by level (INFO, WARNING, ERROR)")
		limit := fs.Int("limit", 100, "maximum entries, newest first")
		fs.Parse(args)
		if *jobID == "" {
			return fmt.Errorf("logs requires -job")
		}
		entries, err := engine.GetJobLogs(ctx, *jobID, model.LogLevel(*level), *limit)
		if err != nil {
			return err
		}
		return printJSON(entries)

	case "cancel":
		jobID, err := jobFlag(args, "cancel")
		if err != nil {
			return err
		}
		return engine.Cancel(ctx, jobID)

	case "conflicts":
		jobID, err := jobFlag(args, "conflicts")
		if err != nil {
			return err
		}
		return engine.ExportConflicts(ctx, os.Stdout, jobID)

	case "resolve":
		fs := flag.NewFlagSet("resolve", flag.ExitOnError)
		conflictID := fs.String("conflict", "", "conflict id")
		pick := fs.String("pick", "", "winning side: source or target")
		fs.Parse(args)
		if *conflictID == "" || *pick == "" {
			return fmt.Errorf("resolve requires -conflict and -pick")
		}
		return engine.ResolveManual(ctx, *conflictID, *pick)

	case "purge":
		fs := flag.NewFlagSet("purge", flag.ExitOnError)
		days := fs.Int("days", 30, "retention window in days")
		fs.Parse(args)
		n, err := engine.PurgeJobs(ctx, time.Duration(*days)*24*time.Hour)
		if err != nil {
			return err
		}
		logger.Info("Purge complete", zap.Int64("jobs_removed", n))
		return nil

	case "serve":
		return serve(ctx, cfg, engine, logger)

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// runJob starts a job, waits for it, and reports the final status.
func runJob(ctx context.Context, engine *sync.Engine, start func() (string, error)) error {
	jobID, err := start()
	if err != nil {
		return err
	}

	// A signal cancels the job cooperatively; it still finishes its batch.
	go func() {
		<-ctx.Done()
		engine.Cancel(context.Background(), jobID)
	}()

	engine.WaitJob(jobID)

	view, err := engine.GetJobStatus(context.Background(), jobID)
	if err != nil {
		return err
	}
	if err := printJSON(view); err != nil {
		return err
	}
	if view.Status != "completed" {
		return fmt.Errorf("job %s ended %s", jobID, view.Status)
	}
	return nil
}

// serve runs the cron scheduler until a shutdown signal arrives.
func serve(ctx context.Context, cfg *config.Config, engine *sync.Engine, logger *zap.Logger) error {
	if cfg.SyncSchedule == "" {
		return fmt.Errorf("serve requires SYNC_SCHEDULE")
	}

	sched := schedule.New(engine, cfg.SyncSchedule, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		engine.Wait()
		return nil
	})

	logger.Info("Serving scheduled syncs", zap.String("schedule", cfg.SyncSchedule))
	return g.Wait()
}

func jobFlag(args []string, name string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	jobID := fs.String("job", "", "job id")
	fs.Parse(args)
	if *jobID == "" {
		return "", fmt.Errorf("%s requires -job", name)
	}
	return *jobID, nil
}

func currentUser() string {
	if u := os.Getenv("DATASYNC_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
