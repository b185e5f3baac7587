package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/store"
)

var (
	listJSON  bool
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list <account> <folder>",
	Short: "List cached messages in a folder",
	Long: `List the cached view of a folder, newest first. Reads only the local
cache; run 'sync' first to refresh it.

The starred and archived folders are virtual views selected by flag.

Examples:
  studiomail list studio@apertura.example inbox
  studiomail list studio@apertura.example starred --limit 10
  studiomail list studio@apertura.example bookings --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID := args[0]
		folder := mail.Folder(args[1])
		if !folder.Valid() {
			return fmt.Errorf("unknown folder %q", args[1])
		}

		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		records, err := s.GetByFolder(accountID, folder, listLimit)
		if err != nil {
			return fmt.Errorf("list folder: %w", err)
		}

		if len(records) == 0 {
			fmt.Printf("No cached messages in %s. Run 'studiomail sync %s %s' first.\n", folder, accountID, folder)
			return nil
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tFROM\tSUBJECT\tFLAGS")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				time.UnixMilli(rec.Timestamp).Local().Format("2006-01-02 15:04"),
				senderLabel(rec),
				truncate(rec.Subject, 60),
				flagLabel(rec),
			)
		}
		return w.Flush()
	},
}

func senderLabel(rec *mail.EmailRecord) string {
	if rec.FromName != "" {
		return rec.FromName
	}
	return rec.FromAddress
}

func flagLabel(rec *mail.EmailRecord) string {
	var flags []byte
	if rec.Unread {
		flags = append(flags, 'U')
	}
	if rec.Starred {
		flags = append(flags, '*')
	}
	if rec.Archived {
		flags = append(flags, 'A')
	}
	if rec.HasAttachments {
		flags = append(flags, '@')
	}
	if len(flags) == 0 {
		return "-"
	}
	return string(flags)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum messages to show")
	rootCmd.AddCommand(listCmd)
}
