// Package cli holds the terminal-service commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/config"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "terminal-service",
		Short:         "Live terminal broadcasting with chat and agent event streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTailCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line. With no subcommand the server starts.
func Execute() error {
	err := newRootCmd().Execute()
	if err != nil {
		l := log.L()
		l.Error().Err(err).Msg("terminal-service failed")
	}
	return err
}

// loadConfig reads the configuration and initialises the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	log.Init(cfg.Log)
	return cfg, nil
}
