// Command queuectl is the job queue CLI.
//
// Subcommands:
//
//	enqueue      — submit a job from a JSON description
//	list         — list jobs, optionally filtered by state
//	status       — aggregate counts per state plus worker liveness
//	worker       — start/run/stop worker processes
//	dlq          — inspect and retry dead-letter jobs
//	config       — get/set shared queue settings
//	migrate      — run pending database migrations and exit
//
// All state lives in the PostgreSQL database named by DATABASE_URL; any
// number of queuectl processes (including worker processes on the same host)
// may share it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that time handling
	// works inside distroless containers that have no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/Ridhi-215/queuectl/internal/config"
	"github.com/Ridhi-215/queuectl/internal/queue"
	"github.com/Ridhi-215/queuectl/internal/store"
	"github.com/Ridhi-215/queuectl/internal/supervisor"
	"github.com/Ridhi-215/queuectl/internal/worker"
	"github.com/Ridhi-215/queuectl/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "queuectl — persistent job queue with retries and a DLQ",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		enqueueCmd(),
		listCmd(),
		statusCmd(),
		workerCmd(),
		dlqCmd(),
		configCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue [JSON]",
		Short: "Enqueue a job from a JSON description or --file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read job file: %w", err)
				}
				raw = data
			case len(args) == 1:
				raw = []byte(args[0])
			default:
				return errors.New("provide a JSON job description or --file")
			}

			spec, err := queue.ParseSpec(raw)
			if err != nil {
				return err
			}

			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			job, err := env.mgr.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Job enqueued: id=%s state=%s max_retries=%d\n",
				job.ID, job.State, job.MaxRetries)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON file describing the job")
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs ordered by creation time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if state != "" && !validState(state) {
				return fmt.Errorf("unknown state %q (want one of %v)", state, store.States)
			}

			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			jobs, err := env.st.ListJobs(cmd.Context(), state, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  state=%s attempts=%d/%d command=%q",
					j.ID, j.State, j.Attempts, j.MaxRetries, j.Command)
				if j.State == store.StatePending && j.NextEligibleAt != nil {
					if wait := time.Until(*j.NextEligibleAt); wait > 0 {
						line += fmt.Sprintf(" eligible_in=%s", wait.Round(time.Second))
					}
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by job state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs to list")
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state and live workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			counts, err := env.mgr.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("Job counts:")
			for _, st := range store.States {
				fmt.Printf("  %-10s: %d\n", st, counts[st])
			}

			stop, err := env.st.StopRequested(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Worker stop requested: %v\n", stop)

			workers, err := env.st.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Live workers: %d\n", len(workers))
			for _, w := range workers {
				fmt.Printf("  %s pid=%d host=%s heartbeat=%s ago\n",
					w.ID, w.PID, w.Hostname,
					time.Since(w.LastHeartbeat).Round(time.Second))
			}
			return nil
		},
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker pool management",
	}
	cmd.AddCommand(workerStartCmd(), workerRunCmd(), workerStopCmd())
	return cmd
}

func workerStartCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start worker processes and wait for them (Ctrl+C stops gracefully)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			fmt.Printf("Starting %d worker(s)... (Ctrl+C to stop)\n", count)
			return supervisor.New(env.st).Start(ctx, count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of worker processes to start")
	return cmd
}

func workerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single worker loop in this process (spawned by `worker start`)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			w := worker.New(env.mgr, env.st, env.cfg.PollInterval)
			return w.Run(ctx)
		},
	}
}

func workerStopCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a graceful stop of all workers and wait for them to drain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			remaining, err := supervisor.New(env.st).Stop(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				fmt.Println("All workers stopped.")
				return nil
			}
			fmt.Printf("%d worker(s) still running (finishing in-flight jobs):\n", len(remaining))
			for _, w := range remaining {
				fmt.Printf("  %s pid=%d host=%s\n", w.ID, w.PID, w.Hostname)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for workers to drain")
	return cmd
}

// ── dlq ───────────────────────────────────────────────────────────────────────

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead Letter Queue management",
	}
	cmd.AddCommand(dlqListCmd(), dlqRetryCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the DLQ",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			jobs, err := env.mgr.DLQList(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("DLQ empty.")
				return nil
			}
			fmt.Println("DLQ jobs:")
			for _, j := range jobs {
				lastErr := ""
				if j.LastError != nil {
					lastErr = *j.LastError
				}
				fmt.Printf("%s  attempts=%d last_error=%q\n", j.ID, j.Attempts, lastErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of DLQ jobs to show")
	return cmd
}

func dlqRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a DLQ job back to pending with attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			job, err := env.mgr.DLQRetry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Retried job %s: state=%s attempts=%d\n", job.ID, job.State, job.Attempts)
			return nil
		},
	}
}

// ── config ────────────────────────────────────────────────────────────────────

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set shared queue settings",
	}
	cmd.AddCommand(configGetCmd(), configSetCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a queue setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			value, err := env.st.Setting(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], value)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a queue setting (default_max_retries, backoff_base, job_timeout_seconds)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := validateSetting(key, value); err != nil {
				return err
			}

			env, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.st.SetSetting(cmd.Context(), key, value); err != nil {
				return err
			}
			fmt.Printf("Set %s = %s\n", key, value)
			return nil
		},
	}
}

// validateSetting rejects unknown keys and out-of-range values before they
// reach the settings table, where a bad value would break every worker.
func validateSetting(key, value string) error {
	switch key {
	case store.KeyDefaultMaxRetries, store.KeyJobTimeoutSeconds:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
		}
	case store.KeyBackoffBase:
		// A base of 1 or less makes the retry delay flat or shrinking.
		base, err := strconv.ParseFloat(value, 64)
		if err != nil || base <= 1 {
			return fmt.Errorf("%s must be a number greater than 1, got %q", key, value)
		}
	default:
		return fmt.Errorf("unknown setting %q (want one of %v)", key, store.SettingKeys)
	}
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. Simple query protocol lets postgres run
	// multi-statement migration files natively.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// cmdEnv bundles the objects every subcommand needs.
type cmdEnv struct {
	cfg *config.Config
	st  *store.Store
	mgr *queue.Manager
	db  *pgxpool.Pool
}

func (e *cmdEnv) close() { e.db.Close() }

// setup loads config, installs the default logger, and connects to the
// database.
func setup(ctx context.Context) (*cmdEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	st := store.New(db)
	return &cmdEnv{cfg: cfg, st: st, mgr: queue.New(st), db: db}, nil
}

// newPool creates and validates a pgxpool. Retries a few times with linear
// backoff to handle the Docker Compose startup race where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx is
		// cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. This catches
	// deployments where `queuectl migrate` has not been run yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err != nil || schemaVersion != expectedSchemaVersion {
		slog.Warn("schema out of date — run `queuectl migrate`",
			"expected_version", expectedSchemaVersion)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" && !cfg.IsDevelopment() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func validState(state string) bool {
	for _, st := range store.States {
		if st == state {
			return true
		}
	}
	return false
}
