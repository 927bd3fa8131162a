package cache

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/cli/output"
)

var lsOutput string

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached entries",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func init() {
	lsCmd.Flags().StringVarP(&lsOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runLs(cmd *cobra.Command, args []string) error {
	printer, err := output.NewPrinterFromFlag(lsOutput)
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(infos) == 0 && printer.Format() == output.FormatTable {
		printer.Println("Cache is empty")
		return nil
	}
	return printer.Print(output.CacheTable(infos))
}
