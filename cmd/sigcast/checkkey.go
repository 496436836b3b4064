package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sigcast/internal/app"
	"sigcast/internal/config"
	"sigcast/internal/generate"
	logx "sigcast/pkg/logx"
)

func newCheckKeyCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "check-key",
		Short: "Check the generation key against the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("key") {
				cfg.Credentials.GenerationKey = key
			}
			ctl, err := app.NewController(cmd.Context(), cfg, app.Deps{Log: logx.NewConsole(cfg.Logging.Level)})
			if err != nil {
				return err
			}
			defer ctl.Close(cmd.Context())

			v, err := ctl.ValidateKey(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Generation.Provider, v)
			if err != nil {
				return err
			}
			switch v {
			case generate.VerdictValid:
				return nil
			case generate.VerdictIdle:
				return fmt.Errorf("no generation key; set credentials.generation_key or pass --key")
			default:
				return fmt.Errorf("generation key rejected")
			}
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "key to check instead of credentials.generation_key")
	return cmd
}
