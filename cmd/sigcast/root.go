package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sigcast",
		Short:         "Turn market signals into generated posts and deliver them to a channel",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newSignalsCmd())
	root.AddCommand(newCheckKeyCmd())
	return root
}
