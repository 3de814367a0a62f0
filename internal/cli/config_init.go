package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rshade/leaserun/internal/config"
)

// ErrConfigExists is returned when config init would overwrite a file.
var ErrConfigExists = errors.New("configuration file already exists, use --force to overwrite")

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the leaserun configuration file",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newConfigInitCmd(a))
	return cmd
}

// newConfigInitCmd writes the default configuration to the --config path, or
// to ~/.leaserun/config.yaml.
func newConfigInitCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file with default values",
		Long: `Creates a configuration file holding the default values. The file is written
to the --config path when given, otherwise to ~/.leaserun/config.yaml.`,
		Example: `  # Create the default configuration
  leaserun config init

  # Create configuration, overwriting existing
  leaserun config init --force`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: ""},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}

			if !force {
				_, err := os.Stat(path)
				if err == nil {
					return fmt.Errorf("%w: %s", ErrConfigExists, path)
				}
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("cannot access config path %s: %w", path, err)
				}
			}

			if err := config.New().Save(path); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			cmd.Printf("Configuration initialized successfully\n")
			cmd.Printf("Configuration file: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing configuration file")
	return cmd
}
