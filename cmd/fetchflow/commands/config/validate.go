package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/cli/output"
	"github.com/marmos91/fetchflow/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the fetchflow configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  fetchflow config validate
  fetchflow config validate --config /etc/fetchflow/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}

	var warnings []string
	if cfg.Cache.Backend == "memory" {
		warnings = append(warnings, "memory cache does not survive restarts")
	}
	if cfg.Transport.S3.Enabled && cfg.Transport.S3.Bucket == "" {
		warnings = append(warnings, "s3 transport has no default bucket: URIs must name one")
	}
	if cfg.Transport.S3.AccessKeyID != "" && cfg.Transport.S3.SecretAccessKey == "" {
		warnings = append(warnings, "s3 access key set without a secret key")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", configPath(cmd))
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintln(out, "\nConfiguration summary:")
	return output.SimpleTable(out, [][2]string{
		{"Cache backend", cfg.Cache.Backend},
		{"Cache size", cfg.Cache.MaxSize.String()},
		{"Workers", fmt.Sprint(cfg.Dispatcher.Workers)},
		{"Default level", cfg.Requests.Level},
		{"API port", fmt.Sprint(cfg.API.Port)},
		{"Log level", cfg.Logging.Level},
	})
}
