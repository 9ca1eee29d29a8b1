package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "boorucrawl",
		Short: "Incremental image board crawler.",
		Long: `boorucrawl pages through a booru search, downloads every new post that
passes the configured filters and stores it next to a JSON metadata file.
Posts already on disk are skipped, so repeated runs only fetch what is new.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/booru-crawler/config.yaml)")
	cmd.AddCommand(newCrawlCmd(&cfgFile), newConfigCmd(&cfgFile))
	return cmd
}
