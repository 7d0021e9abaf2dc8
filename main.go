package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/gastownhall/sessionlink/internal/config"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := newLogger("info")
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("sessionlink command failed")
		return 1
	}
	return exitCode
}

// exitCode lets the shell command propagate the remote exit status.
var exitCode int

// configPath is the --config flag.
var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionlink",
		Short:         "Persistent chat and shell client for a remote command-execution service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.sessionlink/config.yaml)")

	root.AddCommand(newChatCmd())
	root.AddCommand(newShellCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func newLogger(level string) pslog.Logger {
	opts := pslog.Options{Mode: pslog.ModeConsole}
	switch level {
	case "trace":
		opts.MinLevel = pslog.TraceLevel
	case "debug":
		opts.MinLevel = pslog.DebugLevel
	case "warn":
		opts.MinLevel = pslog.WarnLevel
	case "error":
		opts.MinLevel = pslog.ErrorLevel
	default:
		opts.MinLevel = pslog.InfoLevel
	}
	return pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(opts),
	)
}

// loadConfig reads the config and installs a logger at its level on the
// command context.
func loadConfig(cmd *cobra.Command) (config.Config, pslog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := newLogger(cfg.Logging.Level)
	cmd.SetContext(pslog.ContextWithLogger(cmd.Context(), logger))
	log.SetOutput(pslog.LogLogger(logger).Writer())
	return cfg, logger, nil
}
