// Command pharmacyctl triggers background jobs, inspects the queue and applies schema migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/odyssey-erp/pharmacy/cmd/pharmacyctl/cli"
	"github.com/odyssey-erp/pharmacy/internal/app"
	"github.com/odyssey-erp/pharmacy/internal/platform/db"
	"github.com/odyssey-erp/pharmacy/internal/platform/sqlitestore"
	"github.com/odyssey-erp/pharmacy/migrations"
)

const usage = `usage: pharmacyctl <command> [flags]

commands:
  jobs enqueue --job <type> [--horizon-days N] [--concurrency N] [--json]
  jobs stats [--json]
  migrate
`

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	switch args[0] {
	case "jobs":
		return runJobs(ctx, cfg, args[1:])
	case "migrate":
		return cli.MigrateCommand(ctx, func(ctx context.Context) ([]string, error) {
			return migrate(ctx, cfg)
		}, os.Stdout, os.Stderr)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("jobs "+args[0], flag.ContinueOnError)
	job := fs.String("job", "", "task type to enqueue")
	horizon := fs.Int("horizon-days", 0, "expiry horizon for the stock alert scan")
	concurrency := fs.Int("concurrency", 0, "products reconciled in parallel")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			slog.Default().Warn("jobs cli close", slog.Any("error", err))
		}
	}()
	return jobsCLI.JobsCommand(ctx, cli.JobsOptions{
		Action:      args[0],
		Job:         *job,
		HorizonDays: *horizon,
		Concurrency: *concurrency,
		JSONOutput:  *jsonOut,
	})
}

func migrate(ctx context.Context, cfg *app.Config) ([]string, error) {
	switch cfg.StoreDriver {
	case app.StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		return migrations.Apply(ctx, pool)
	case app.StoreDriverSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return nil, store.Close()
	default:
		return nil, fmt.Errorf("store driver %q has no schema", cfg.StoreDriver)
	}
}
