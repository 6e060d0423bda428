package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"claude-bridge/internal/config"
	"claude-bridge/internal/telemetry"
)

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}

	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "claude-bridge",
		Short: "OpenAI-compatible gateway in front of Claude",
		Long: `claude-bridge accepts OpenAI Chat Completions and Embeddings requests and
answers them with Claude, through the Messages API when credentials are
configured and through the claude CLI otherwise. A failed attempt falls back
to the other backend unless the failure is account-level.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML configuration file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newAskCmd(opts))
	root.AddCommand(newModelsCmd(opts))

	return root
}

// load reads configuration and installs the process logger. The returned
// function flushes telemetry and must be called on exit.
func (o *rootOptions) load(ctx context.Context, logOut io.Writer) (config.Config, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}

	logger := newLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)

	cleanup := func() {}
	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, logger)
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("initialise tracing: %w", err)
		}
		cleanup = func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("tracer shutdown failed", "err", err)
			}
		}
	}

	return cfg, cleanup, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
