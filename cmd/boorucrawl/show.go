package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/booru-crawler/internal/config"
)

func newConfigCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Resolves defaults, the config file and BOORU_* environment variables the
same way crawl does and prints the result as YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile, nil)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
}
