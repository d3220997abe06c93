// Command docupack runs the invoice-processing service: the HTTP API, the
// task worker and the ledger reconciliation check.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/api"
	"github.com/docupack/docupack/internal/cleanup"
	"github.com/docupack/docupack/internal/config"
	"github.com/docupack/docupack/internal/database"
	"github.com/docupack/docupack/internal/extraction"
	"github.com/docupack/docupack/internal/ledger"
	pdfutil "github.com/docupack/docupack/internal/pdf"
	"github.com/docupack/docupack/internal/postprocess"
	"github.com/docupack/docupack/internal/queue"
	"github.com/docupack/docupack/internal/repository"
	"github.com/docupack/docupack/internal/session"
	"github.com/docupack/docupack/internal/signing"
	"github.com/docupack/docupack/internal/storage"
	"github.com/docupack/docupack/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "docupack: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "docupack",
		Short:        "Invoice processing-session service",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newAPICmd(),
		newWorkerCmd(),
		newReconcileCmd(),
		newSweepCmd(),
	)
	return cmd
}

// deps bundles everything both binaries construct from configuration.
type deps struct {
	cfg      *config.Config
	logger   *zap.Logger
	pool     *pgxpool.Pool
	sessions *repository.Sessions
	jobs     *repository.Jobs
	records  *repository.CleanupRecords
	store    *storage.Gateway
	credits  *ledger.Ledger
	queue    *queue.Client
	asynqCli *asynq.Client
	manager  *session.Manager
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	store, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	asynqCli := asynq.NewClient(redisOpt(cfg))
	d := &deps{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		sessions: repository.NewSessions(pool),
		jobs:     repository.NewJobs(pool),
		records:  repository.NewCleanupRecords(pool),
		store:    store,
		credits:  ledger.New(pool, logger),
		queue:    queue.NewClient(asynqCli),
		asynqCli: asynqCli,
	}
	d.manager = session.NewManager(session.Config{
		AllowedTypes:    cfg.AllowedTypes,
		MaxFileSize:     cfg.MaxFileSize,
		MaxSessionPages: cfg.MaxSessionPages,
		RetentionWindow: cfg.RetentionWindow,
		DefaultModelID:  cfg.DefaultModelID,
	}, d.sessions, d.jobs, d.store, d.queue, pdfutil.PageCount, logger)
	return d, nil
}

func (d *deps) close() {
	d.asynqCli.Close()
	d.pool.Close()
	_ = d.logger.Sync()
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			signer := signing.NewSigner(d.cfg.SigningSecret)
			srv := api.New(d.cfg, d.manager, d.store, signer, d.credits, d.logger)
			return srv.Run(ctx)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the task worker, cleanup scheduler and daily sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			analyzer := extraction.NewClient(d.cfg.ExtractionEndpoint, d.cfg.ExtractionAPIKey, d.cfg.CallTimeout)
			namer := postprocess.NewNamer(d.cfg.NamingTemplate)
			bundler := postprocess.NewBundler(d.store, namer, d.cfg.ReportColumns, d.cfg.Concurrency, d.logger)
			processor := worker.NewProcessor(worker.Config{
				PollInterval: d.cfg.PollInterval,
				PollCeiling:  d.cfg.PollCeiling,
			}, d.jobs, d.sessions, d.credits, d.store, analyzer, d.queue, d.manager, bundler,
				namer, pdfutil.ExtractPage, d.logger)
			reaper := cleanup.NewReaper(d.sessions, d.jobs, d.store, d.records, d.queue, d.logger)

			// Rebuild the cleanup schedule from persisted deadlines before
			// accepting work, then keep the sweep running as a safety net.
			if err := reaper.RescheduleAll(ctx); err != nil {
				return err
			}
			sweeper := reaper.StartSweeper(ctx)
			defer sweeper.Stop()

			mux := asynq.NewServeMux()
			processor.Register(mux)
			reaper.Register(mux)

			server := asynq.NewServer(redisOpt(d.cfg), asynq.Config{
				Concurrency: d.cfg.Concurrency,
			})
			go func() {
				<-ctx.Done()
				server.Shutdown()
			}()
			return server.Run(mux)
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Verify that every balance matches its transaction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			mismatches, err := d.credits.Reconcile(ctx)
			if err != nil {
				return err
			}
			if len(mismatches) == 0 {
				fmt.Println("ledger consistent")
				return nil
			}
			for _, m := range mismatches {
				fmt.Printf("MISMATCH user=%s balance=%d txSum=%d\n", m.UserID, m.Balance, m.Sum)
			}
			return fmt.Errorf("%d ledger mismatch(es)", len(mismatches))
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			reaper := cleanup.NewReaper(d.sessions, d.jobs, d.store, d.records, d.queue, d.logger)
			rec, err := reaper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d session(s), %d job row(s), %d blob(s), %d error(s)\n",
				rec.SessionsReaped, rec.JobsReaped, rec.BlobsDeleted, len(rec.Errors))
			return nil
		},
	}
}
