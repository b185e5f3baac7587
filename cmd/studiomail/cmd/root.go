package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/apertura-studio/studiomail/internal/config"
	"github.com/apertura-studio/studiomail/internal/mailapi"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "studiomail",
	Short: "Local mail cache for the Apertura studio platform",
	Long: `studiomail keeps a local cache of studio mailboxes synchronized
with the upstream mail service. It serves folder listings instantly
from the cache, applies flag changes optimistically, and reconciles
with the server in the background.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}

		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// newRemoteClient builds the upstream mail client from config. The API
// token is optional for local development against an unauthenticated
// endpoint.
func newRemoteClient() (*mailapi.Client, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("no remote configured\n\nAdd to %s:\n\n  [remote]\n  base_url = \"https://mail.apertura.example\"\n  api_token = \"...\"", configPath())
	}

	var tokenSource oauth2.TokenSource
	if cfg.Remote.APIToken != "" {
		tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Remote.APIToken})
	}

	return mailapi.NewClient(cfg.Remote.BaseURL, tokenSource,
		mailapi.WithLogger(logger),
		mailapi.WithRateLimiter(float64(cfg.Remote.RateLimitQPS)),
	), nil
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return cfg.HomeDir + "/config.toml"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.studiomail/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
