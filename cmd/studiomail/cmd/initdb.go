package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apertura-studio/studiomail/internal/store"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the cache database schema",
	Long: `Initialize the studiomail cache database with the required schema.

This command creates the tables for cached emails, folder sync state,
and tombstones. It is safe to run multiple times - tables are only
created if they don't already exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := cfg.DatabasePath()
		logger.Info("initializing database", "path", dbPath)

		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", dbPath)
		fmt.Printf("  Emails:         %d\n", stats.EmailCount)
		fmt.Printf("  Accounts:       %d\n", stats.AccountCount)
		fmt.Printf("  Synced folders: %d\n", stats.SyncedFolders)
		fmt.Printf("  Tombstones:     %d\n", stats.TombstoneCount)
		fmt.Printf("  Size:           %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
