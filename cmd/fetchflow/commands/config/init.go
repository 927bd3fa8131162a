package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/fetchflow/internal/cli/prompt"
	"github.com/marmos91/fetchflow/pkg/config"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	Long: `Create a fetchflow configuration file with default values.

By default, the configuration file is created at $XDG_CONFIG_HOME/fetchflow/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  fetchflow config init

  # Answer a few questions instead of taking every default
  fetchflow config init --interactive

  # Force overwrite existing config
  fetchflow config init --force --config /etc/fetchflow/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the main settings")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	cfg := config.GetDefaultConfig()

	if initInteractive {
		if err := ask(cfg); err != nil {
			if prompt.IsAborted(err) {
				return nil
			}
			return err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.WriteConfig(cfg, path, initForce); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Edit the configuration file with: fetchflow config edit")
	_, _ = fmt.Fprintln(out, "  2. Fetch something: fetchflow fetch https://example.com/")
	_, _ = fmt.Fprintln(out, "  3. Or run the service: fetchflow serve")
	return nil
}

var backendOptions = []prompt.SelectOption{
	{Label: "disk", Value: "disk", Description: "Persistent cache with a badger index"},
	{Label: "memory", Value: "memory", Description: "Process-local cache, lost on exit"},
	{Label: "none", Value: "none", Description: "No cache; every fetch downloads"},
}

// ask fills the main settings in cfg from interactive prompts.
func ask(cfg *config.Config) error {
	backend, err := prompt.Select("Cache backend", backendOptions, cfg.Cache.Backend)
	if err != nil {
		return err
	}
	cfg.Cache.Backend = backend

	if backend == "disk" {
		if cfg.Cache.Path, err = prompt.Input("Cache directory", cfg.Cache.Path); err != nil {
			return err
		}
	}
	if backend != "none" {
		if cfg.Cache.MaxSize, err = prompt.InputByteSize("Cache size limit", cfg.Cache.MaxSize); err != nil {
			return err
		}
	} else {
		cfg.Requests.Level = "network"
	}

	if cfg.Dispatcher.Workers, err = prompt.InputInt("Worker goroutines", cfg.Dispatcher.Workers, 1); err != nil {
		return err
	}
	if cfg.Requests.Retention, err = prompt.InputDuration("Keep finished requests for", cfg.Requests.Retention); err != nil {
		return err
	}
	if cfg.API.Port, err = prompt.InputPort("API port", cfg.API.Port); err != nil {
		return err
	}

	useS3, err := prompt.Confirm("Enable the s3:// transport", false)
	if err != nil {
		return err
	}
	if useS3 {
		cfg.Transport.S3.Enabled = true
		if cfg.Transport.S3.Bucket, err = prompt.InputRequired("Default bucket"); err != nil {
			return err
		}
		if cfg.Transport.S3.Region, err = prompt.Input("Region", "us-east-1"); err != nil {
			return err
		}
		if cfg.Transport.S3.AccessKeyID, err = prompt.Input("Access key ID (empty for the SDK chain)", ""); err != nil {
			return err
		}
		if cfg.Transport.S3.AccessKeyID != "" {
			if cfg.Transport.S3.SecretAccessKey, err = prompt.Secret("Secret access key"); err != nil {
				return err
			}
		}
	}
	return nil
}
