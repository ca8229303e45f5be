// Command dialmate places calls through the telephony device and keeps
// the user's call records in sync with the backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sweeney/dialmate/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "dialmate",
		Short: "Place voice calls and track call history",
		Long: `dialmate drives a telephony device session: it dials, follows call
progress, logs every call to the backend and keeps the call history current.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	load := func() (*config.Config, error) { return config.Load(configPath) }

	// Subcommands (alphabetical)
	root.AddCommand(newCallCmd(load))
	root.AddCommand(newHistoryCmd(load))
	root.AddCommand(newShellCmd(load))
	return root
}
