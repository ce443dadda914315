package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"enclaverun/internal/config"
	"enclaverun/pkg/logger"
)

type rootOptions struct {
	server   string
	token    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "starlarkctl",
		Short:         "Run Starlark scripts and packages against enclaves",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return logger.Init(logger.Config{Level: opts.logLevel, Format: "text", OutputPaths: []string{"stderr"}})
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", os.Getenv(config.EnvPrefix+"URL"), "enclaved HTTP address; empty runs in-process")
	flags.StringVar(&opts.token, "token", os.Getenv(config.EnvPrefix+"TOKEN"), "bearer token for enclaved")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level for in-process runs")

	cmd.AddCommand(newRunCmd(opts), newRunsCmd(opts), newEnclavesCmd(opts))
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "错误:", err)
		}
		stop()
		os.Exit(1)
	}
}
