// Command mailcache keeps a local, conversation-grouped cache of a remote
// mailbox and queues label changes back to it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/mailcache/internal/app"
	"github.com/nhle/mailcache/internal/model"
)

var (
	configPath string
	logLevel   string

	cfg    *model.AppConfig
	logger *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mailcache",
	Short: "Conversation-grouped local cache of a remote mailbox",
	Long: `mailcache synchronizes a Gmail or IMAP mailbox into a local SQLite
cache, grouping messages into conversations by participants rather than by
server thread ids. Read, star, archive and trash changes are applied
locally right away and pushed to the server in the background.

Examples:
  mailcache login                      # store credentials in the keyring
  mailcache sync --watch               # keep the cache up to date
  mailcache conversations              # list inbox conversations
  mailcache act archive --conversation <id>
  mailcache actions abandoned          # inspect actions that gave up`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = newLogger(cfg.Log, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(actCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(notificationsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log config.
func newLogger(lc model.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// openApp wires the services for the configured account.
func openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}
