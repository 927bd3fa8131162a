package cache

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/cli/output"
)

var statsOutput string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printer, err := output.NewPrinterFromFlag(statsOutput)
		if err != nil {
			return err
		}
		store, cfg, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		stats := store.Stats()
		if printer.Format() == output.FormatTable {
			return output.SimpleTable(printer.Writer(), output.CacheStatsPairs(cfg.Cache.Backend, stats))
		}
		return printer.Print(stats)
	},
}

func init() {
	statsCmd.Flags().StringVarP(&statsOutput, "output", "o", "table", "Output format (table|json|yaml)")
}
