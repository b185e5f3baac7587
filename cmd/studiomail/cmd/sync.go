package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apertura-studio/studiomail/internal/engine"
	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync <account> [folder]",
	Short: "Sync folders from the remote mail service",
	Long: `Fetch the latest page of each folder from the remote mail service and
merge it into the local cache.

If no folder is given, every physical folder configured for the account
is synced. Validator headers keep unchanged folders cheap; a folder
whose remote index is unavailable falls back to a full mailbox scan.

Examples:
  studiomail sync studio@apertura.example
  studiomail sync studio@apertura.example inbox`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID := args[0]

		client, err := newRemoteClient()
		if err != nil {
			return err
		}
		defer client.Close()

		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		eng := engine.New(s, client, engineOptions()).WithLogger(logger)
		defer eng.Close()

		start := time.Now()

		if len(args) == 2 {
			folder := mail.Folder(args[1])
			outcome, err := eng.Sync(cmd.Context(), accountID, folder)
			if err != nil {
				return err
			}
			printOutcome(folder, outcome)
		} else {
			folders := mail.PhysicalFolders
			if sched := cfg.GetAccountSchedule(accountID); sched != nil {
				folders = sched.SyncFolders()
			}
			outcomes, err := eng.SyncAll(cmd.Context(), accountID, folders)
			if err != nil {
				return err
			}
			for _, folder := range folders {
				printOutcome(folder, outcomes[folder])
			}
		}

		fmt.Printf("Done in %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func printOutcome(folder mail.Folder, outcome *engine.SyncOutcome) {
	switch {
	case outcome == nil:
		return
	case !outcome.Success:
		fmt.Printf("  %-10s failed: %s\n", folder, outcome.Message)
	case outcome.Unmodified:
		fmt.Printf("  %-10s unchanged\n", folder)
	default:
		fmt.Printf("  %-10s %d added, %d merged", folder, outcome.Added, outcome.Merged)
		if outcome.Dropped > 0 {
			fmt.Printf(", %d dropped", outcome.Dropped)
		}
		fmt.Println()
	}
}

func engineOptions() *engine.Options {
	opts := engine.DefaultOptions()
	if cfg.Sync.PageSize > 0 {
		opts.PageSize = cfg.Sync.PageSize
	}
	if cfg.Sync.Concurrency > 0 {
		opts.SyncConcurrency = cfg.Sync.Concurrency
	}
	if cfg.Sync.TombstoneTTLHours > 0 {
		opts.TombstoneTTL = time.Duration(cfg.Sync.TombstoneTTLHours) * time.Hour
	}
	return opts
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
