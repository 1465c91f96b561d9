// Package commands implements gssauthctl's CLI commands.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/dittofs/rpcsecgss/internal/logger"
	"github.com/dittofs/rpcsecgss/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gssauthctl",
	Short: "RPCSEC_GSS client control tool",
	Long: `gssauthctl drives the RPCSEC_GSS client library from the command line:
resolving credentials, forcing a refresh against the upcall daemon, and
sending a demo wrapped RPC to a peer.

Use "gssauthctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}
		loadedConfig = cfg
		return nil
	},
}

// loadedConfig is the config loaded by the root command's PersistentPreRunE;
// subcommands read it instead of reloading.
var loadedConfig *config.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/gssauth/config.yaml)")
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
