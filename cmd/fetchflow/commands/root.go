// Package commands implements the fetchflow CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/cmd/fetchflow/commands/cache"
	"github.com/marmos91/fetchflow/cmd/fetchflow/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "fetchflow",
	Short: "fetchflow - cache-first resource fetching",
	Long: `fetchflow fetches resources over http, https, s3 and file URIs through a
persistent cache. Every fetch is a cancellable request that moves through
dispatch, cache lookup, download and load stages on a shared worker pool.

Use "fetchflow [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/fetchflow/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cache.Cmd)
	rootCmd.AddCommand(config.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
