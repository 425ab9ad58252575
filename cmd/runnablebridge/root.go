package main

import (
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath is used when neither --config nor RUNNABLE_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

type options struct {
	configPath string
}

// path resolves the configuration file: flag, then environment, then default.
func (o *options) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := os.Getenv("RUNNABLE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "runnablebridge",
		Short:         "Bridge a JSON-over-stdio runnable to MQTT and HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.path())
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"configuration file (default $RUNNABLE_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.path())
		},
	}
}
