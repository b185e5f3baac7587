package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/apertura-studio/studiomail/internal/api"
	"github.com/apertura-studio/studiomail/internal/engine"
	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run studiomail as a daemon with scheduled sync",
	Long: `Run studiomail as a long-running daemon that keeps the cache warm.

The daemon runs in the foreground and performs:
  - HTTP API server on the configured port (default: 8080)
  - Scheduled folder syncs based on account config

Configure schedules in config.toml:
  [[accounts]]
  account_id = "studio@apertura.example"
  schedule = "*/15 * * * *"   # every 15 minutes (cron format)
  folders = ["inbox", "bookings"]
  enabled = true

Cron format: minute hour day-of-month month day-of-week
  Examples:
    0 2 * * *     = 2:00 AM daily
    */15 * * * *  = Every 15 minutes
    0 8,18 * * *  = 8 AM and 6 PM daily

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	client, err := newRemoteClient()
	if err != nil {
		return err
	}
	defer client.Close()

	// Degrades to an in-memory cache if the database cannot be opened;
	// the daemon keeps serving either way.
	rs := engine.OpenStore(cfg.DatabasePath(), logger)

	eng := engine.New(rs, client, engineOptions()).WithLogger(logger)
	defer eng.Close()

	syncFunc := func(ctx context.Context, accountID string, folders []mail.Folder) error {
		return runScheduledSync(ctx, eng, accountID, folders)
	}

	sched := scheduler.New(syncFunc).WithLogger(logger)

	count, errs := sched.AddAccountsFromConfig(cfg)
	for _, err := range errs {
		logger.Error("failed to schedule account", "error", err)
	}
	if count == 0 {
		logger.Warn("no scheduled accounts configured; daemon serves the API only")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sched.Start()

	apiServer := api.NewServer(cfg, eng, sched, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	fmt.Printf("studiomail daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Scheduled accounts: %d\n", count)
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	for _, status := range sched.Status() {
		fmt.Printf("  %s: next sync at %s\n", status.AccountID, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Printf("\nAPI server error: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Println("Waiting for running syncs to complete...")
	schedCtx := sched.Stop()
	select {
	case <-schedCtx.Done():
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	// Flush any in-flight mutation pushes before the store closes.
	eng.Wait()
	fmt.Println("Shutdown complete.")

	return nil
}

// runScheduledSync syncs one account's folders and logs the outcome.
func runScheduledSync(ctx context.Context, eng *engine.Engine, accountID string, folders []mail.Folder) error {
	logger.Info("starting scheduled sync", "account", accountID, "folders", len(folders))
	start := time.Now()

	outcomes, err := eng.SyncAll(ctx, accountID, folders)
	if err != nil {
		return fmt.Errorf("sync %s: %w", accountID, err)
	}

	var added, merged, failed int
	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		if !outcome.Success {
			failed++
			continue
		}
		added += outcome.Added
		merged += outcome.Merged
	}

	logger.Info("scheduled sync completed",
		"account", accountID,
		"added", added,
		"merged", merged,
		"failed_folders", failed,
		"duration", time.Since(start),
	)

	if failed == len(folders) && len(folders) > 0 {
		return fmt.Errorf("sync %s: all %d folders failed", accountID, failed)
	}
	return nil
}
