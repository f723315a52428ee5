package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/rental-ledger/cmd/ledger/cli"
	"github.com/odyssey-erp/rental-ledger/internal/aging"
	"github.com/odyssey-erp/rental-ledger/internal/app"
	"github.com/odyssey-erp/rental-ledger/internal/backfill"
	jobmetrics "github.com/odyssey-erp/rental-ledger/internal/jobs"
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/observability"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/platform/db"
	"github.com/odyssey-erp/rental-ledger/internal/statement"
	"github.com/odyssey-erp/rental-ledger/jobs"
)

const usage = `usage: ledger <command> [flags]

commands:
  serve      run the HTTP API (default)
  backfill   reconcile source documents against the ledger
  jobs       trigger a background job or inspect the queue
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "serve":
		os.Exit(serve(ctx, cfg, logger))
	case "backfill":
		os.Exit(runBackfill(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, logger, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger, process string) (*pgxpool.Pool, *redis.Client, bool) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.Pool(process))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return nil, nil, false
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		pool.Close()
		return nil, nil, false
	}
	return pool, redisClient, true
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	pool, redisClient, ok := connect(ctx, cfg, logger, "api")
	if !ok {
		return 1
	}
	defer pool.Close()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	services := app.NewServices(pool, redisClient, cfg, logger, jobMetrics)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledger.NewHandler(logger, services.Ledger),
		AgingHandler:     aging.NewHandler(logger, services.Aging),
		StatementHandler: statement.NewHandler(logger, services.Statements),
		BackfillHandler:  backfill.NewHandler(logger, services.Backfill, jobClient),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		HealthChecks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return 1
	}
	return 0
}

func runBackfill(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id (required)")
	class := fs.String("class", "all", "contracts, invoices, missing_invoices, payments or all")
	resume := fs.Bool("resume", false, "continue from the last saved checkpoint")
	from := fs.String("from", "", "earliest document date (YYYY-MM-DD)")
	to := fs.String("to", "", "latest document date (YYYY-MM-DD)")
	format := fs.String("format", "text", "output format: text or json")
	asJSON := fs.Bool("json", false, "shorthand for --format json")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailure
	}

	pool, redisClient, ok := connect(ctx, cfg, logger, "backfill")
	if !ok {
		return cli.ExitFailure
	}
	defer pool.Close()
	defer redisClient.Close()

	services := app.NewServices(pool, redisClient, cfg, logger, nil)
	command, err := cli.NewBackfillCLI(services.Backfill)
	if err != nil {
		logger.Error("init backfill cli", slog.Any("error", err))
		return cli.ExitFailure
	}
	return command.BackfillCommand(ctx, cli.BackfillOptions{
		Tenant:     *tenant,
		Class:      *class,
		Resume:     *resume,
		From:       *from,
		To:         *to,
		JSONOutput: *asJSON || *format == "json",
	})
}

func runJobs(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ledger jobs trigger <backfill|aging_snapshot|integrity> [flags] | ledger jobs stats")
		return 2
	}
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	client, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer client.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()
	helper, err := cli.NewJobsCLI(client, inspector)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}

	switch args[0] {
	case "stats":
		stats, err := helper.InspectQueue(ctx)
		if err != nil {
			logger.Error("inspect queue", slog.Any("error", err))
			return 1
		}
		_ = json.NewEncoder(os.Stdout).Encode(stats)
		return 0
	case "trigger":
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "jobs trigger: job name required")
		return 2
	}
	name := args[1]
	fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant id; empty fans out to every tenant")
	class := fs.String("class", "", "backfill class; empty runs every class")
	resume := fs.Bool("resume", false, "backfill: continue from the saved checkpoint")
	asOf := fs.String("as-of", "", "aging snapshot date (YYYY-MM-DD)")
	includeZero := fs.Bool("include-zero", false, "aging: persist zero-balance snapshots")
	repair := fs.Bool("repair", false, "integrity: recompute drifted accounts")
	if err := fs.Parse(args[2:]); err != nil {
		return 2
	}
	opts := cli.TriggerOptions{Class: *class, Resume: *resume, AsOf: *asOf, IncludeZero: *includeZero, Repair: *repair}
	if *tenant != "" {
		id, err := uuid.Parse(*tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: invalid --tenant %q\n", *tenant)
			return 2
		}
		opts.TenantID = id
	}
	info, err := helper.Trigger(ctx, name, opts)
	if err != nil {
		logger.Error("trigger job", slog.String("job", name), slog.Any("error", err))
		return 1
	}
	fmt.Fprintf(os.Stdout, "enqueued %s as %s\n", info.Type, info.ID)
	return 0
}
