package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apertura-studio/studiomail/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", cfg.DatabasePath())
		fmt.Printf("  Emails:         %d\n", stats.EmailCount)
		fmt.Printf("  Accounts:       %d\n", stats.AccountCount)
		fmt.Printf("  Synced folders: %d\n", stats.SyncedFolders)
		fmt.Printf("  Tombstones:     %d\n", stats.TombstoneCount)
		fmt.Printf("  Size:           %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
