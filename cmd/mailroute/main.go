package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailroute/internal/action"
	"github.com/tracyhatemice/mailroute/internal/app"
	"github.com/tracyhatemice/mailroute/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mailroute",
		Short:        "Route incoming mail from stdin, POP3, IMAP, Maildir or mbox through configured rules",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			configPath, _ := flags.GetString("config")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if flags.Changed("log-level") {
				cfg.LogLevel, _ = flags.GetString("log-level")
			}
			if flags.Changed("ignore-stdin") {
				cfg.IgnoreStdin, _ = flags.GetBool("ignore-stdin")
			}

			logger := setupLogger(cfg.LogLevel)
			logger.Info("mailroute starting",
				"pop3", len(cfg.POP3),
				"imap", len(cfg.IMAP),
				"rules", len(cfg.Rules),
			)
			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := rootCmd.Flags()
	flags.String("config", "config.yaml", "path to configuration file")
	flags.String("log-level", "info", "logging level: debug, info, warn, error")
	flags.Bool("ignore-stdin", false, "do not read a message from stdin even when input is piped")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	r, err := action.Build(cfg.Rules, cfg.Default, logger)
	if err != nil {
		return fmt.Errorf("build rules: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down, waiting for the current message to finish...")

		// Force exit on second signal.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	if err := app.New(cfg, r, pipedStdin(), logger).Run(ctx); err != nil {
		return err
	}
	logger.Info("mailroute stopped")
	return nil
}

// pipedStdin returns os.Stdin when it is a pipe or file, and nil when it is
// a terminal.
func pipedStdin() io.Reader {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
		return nil
	}
	return os.Stdin
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
