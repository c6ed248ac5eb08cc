// Command spotguard is the entry point for the position lifecycle and risk
// engine. It loads configuration, validates it, wires dependencies, sets up
// signal handling, and starts the application in the configured mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spotguard/internal/app"
	"github.com/alanyoungcy/spotguard/internal/config"
	"github.com/alanyoungcy/spotguard/internal/crypto"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "spotguard",
		Short:         "Position lifecycle and risk engine for spot trading",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, "", false)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")

	root.AddCommand(newRunCmd(&configPath), newReportCmd(&configPath), newEncryptKeyCmd())
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine in the configured mode (trade or monitor)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath, mode, false)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode")
	return cmd
}

func newReportCmd(configPath *string) *cobra.Command {
	var recalculate bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print lifetime and daily trade statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath, "report", recalculate)
		},
	}
	cmd.Flags().BoolVar(&recalculate, "recalculate", false, "rebuild aggregates from trade history first")
	return cmd
}

func newEncryptKeyCmd() *cobra.Command {
	var out, password string
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt the exchange API secret into a key file",
		Long: "Reads the secret from SPOTGUARD_EXCHANGE_API_SECRET or the first line of stdin " +
			"and writes the encrypted key file to --out.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("SPOTGUARD_EXCHANGE_SECRET_PASSWORD")
			}
			if password == "" {
				return errors.New("encrypt-key: --password or SPOTGUARD_EXCHANGE_SECRET_PASSWORD is required")
			}

			secret := os.Getenv("SPOTGUARD_EXCHANGE_API_SECRET")
			if secret == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("encrypt-key: read secret: %w", err)
				}
				secret = strings.TrimSpace(line)
			}

			blob, err := crypto.EncryptSecret(secret, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0o600); err != nil {
				return fmt.Errorf("encrypt-key: write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "encrypted secret written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "exchange_secret.json", "output key file")
	cmd.Flags().StringVar(&password, "password", "", "encryption password")
	return cmd
}

// run loads and validates configuration, then runs the application until a
// signal arrives.
func run(parent context.Context, configPath, mode string, recalculate bool) error {
	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	if mode != "" {
		cfg.Mode = mode
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	redacted := cfg.Redacted()
	logger.Info("spotguard starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", redacted),
	)

	application := app.New(cfg, logger)
	application.SetRecalculate(recalculate)
	defer application.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("spotguard stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
