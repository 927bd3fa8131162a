package cache

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/cli/prompt"
	"github.com/marmos91/fetchflow/pkg/cache"
)

var rmForce bool

var rmCmd = &cobra.Command{
	Use:   "rm <key>...",
	Short: "Remove cached entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := fmt.Sprintf("Remove %d cache entries", len(args))
		if len(args) == 1 {
			label = fmt.Sprintf("Remove %s from the cache", args[0])
		}
		ok, err := prompt.ConfirmWithForce(label, rmForce)
		if err != nil || !ok {
			return err
		}

		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		return removeKeys(cmd, store, args)
	},
}

var clearForce bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			cmd.Println("Cache is empty")
			return nil
		}

		ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Remove all %d cache entries", len(infos)), clearForce)
		if err != nil || !ok {
			return err
		}

		keys := make([]string, 0, len(infos))
		for _, info := range infos {
			keys = append(keys, info.Key)
		}
		return removeKeys(cmd, store, keys)
	},
}

func init() {
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "Skip confirmation prompt")
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "Skip confirmation prompt")
}

// removeKeys removes each key, reporting misses and busy entries without
// stopping. The returned error counts the keys that were not removed.
func removeKeys(cmd *cobra.Command, store cache.Store, keys []string) error {
	failed := 0
	for _, key := range keys {
		err := store.Remove(cmd.Context(), key)
		switch {
		case err == nil:
			cmd.Printf("Removed %s\n", key)
		case errors.Is(err, cache.ErrNotFound):
			cmd.PrintErrf("%s: not cached\n", key)
			failed++
		case errors.Is(err, cache.ErrEntryInUse):
			cmd.PrintErrf("%s: in use, try again later\n", key)
			failed++
		default:
			cmd.PrintErrf("%s: %v\n", key, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries not removed", failed, len(keys))
	}
	return nil
}
