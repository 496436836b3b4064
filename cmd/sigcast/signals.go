package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sigcast/internal/config"
	"sigcast/internal/signals"
)

func newSignalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "List the signal catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			cat := signals.New(cfg.Signals.Catalog)
			selected := map[string]bool{}
			for _, s := range cfg.Signals.Selected {
				selected[s] = true
			}
			out := cmd.OutOrStdout()
			for _, id := range cat.List() {
				mark := " "
				if selected[string(id)] {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %s\n", mark, id)
			}
			return nil
		},
	}
}
