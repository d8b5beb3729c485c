// fiscal-admin runs operator tasks against the same stack as the server.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/fiscal-admin migrate
//	go run ./cmd/fiscal-admin deliveries list --tenant <id>
//	go run ./cmd/fiscal-admin deliveries redeliver --tenant <id> <delivery-id>
//	go run ./cmd/fiscal-admin certificates check
//	go run ./cmd/fiscal-admin gateway status --tenant <id> --issuer <id> --kind NFE
//	go run ./cmd/fiscal-admin counters resync
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/bootstrap"
	"bitbucket.org/mmdatafocus/fiscal_backend/config"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fiscal-admin",
		Short:         "Operator tasks for the fiscal document engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(deliveriesCmd())
	root.AddCommand(certificatesCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(countersCmd())
	return root
}

// connect opens the database and, when asked, Redis, then wires the app.
func connect(ctx context.Context, withRedis bool) (*bootstrap.App, func(), error) {
	settings := config.LoadSettings()
	logger := config.GetLogger()

	db := config.ConnectDatabaseWithRetry()
	if db == nil {
		return nil, nil, fmt.Errorf("database not initialized; set DB_* env vars")
	}
	var rdb *redis.Client
	if withRedis {
		redisCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		rdb = config.ConnectRedisWithRetry(redisCtx)
		cancel()
	}
	cleanup := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	app, err := bootstrap.New(ctx, settings, db, rdb, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return app, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the engine's tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := config.ConnectDatabaseWithRetry()
			if db == nil {
				return fmt.Errorf("database not initialized; set DB_* env vars")
			}
			if err := models.MigrateTable(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
