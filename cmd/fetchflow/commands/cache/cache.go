// Package cache implements cache inspection subcommands.
package cache

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/pkg/cache"
	"github.com/marmos91/fetchflow/pkg/config"
)

// Cmd is the cache subcommand.
var Cmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the result cache",
	Long: `Inspect and manage the cache configured in the cache section.

Subcommands:
  ls      List cached entries
  stats   Show cache occupancy
  get     Write a cached entry to stdout or a file
  rm      Remove entries
  clear   Remove every entry`,
}

func init() {
	Cmd.AddCommand(lsCmd)
	Cmd.AddCommand(statsCmd)
	Cmd.AddCommand(getCmd)
	Cmd.AddCommand(rmCmd)
	Cmd.AddCommand(clearCmd)
}

// openStore loads the configuration and opens its cache store.
func openStore(cmd *cobra.Command) (cache.Store, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := config.CreateCacheStore(cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("no cache configured (cache.backend is \"none\")")
	}
	return store, cfg, nil
}
