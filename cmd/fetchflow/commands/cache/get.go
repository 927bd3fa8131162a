package cache

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/pkg/cache"
)

var getOutFile string

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Write a cached entry to stdout or a file",
	Long: `Write the content cached under key. Keys default to the fetched URI.

Examples:
  fetchflow cache get https://example.com/a.png > a.png
  fetchflow cache get https://example.com/a.png --out a.png`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVar(&getOutFile, "out", "", "Write to this file instead of stdout")
}

func runGet(cmd *cobra.Command, args []string) error {
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		if cache.IsMiss(err) {
			return fmt.Errorf("%s: not cached", args[0])
		}
		return err
	}
	defer entry.Release()

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	var dst io.Writer = cmd.OutOrStdout()
	if getOutFile != "" {
		f, err := os.Create(getOutFile)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	_, err = io.Copy(dst, src)
	return err
}
