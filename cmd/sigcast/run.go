package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sigcast/internal/app"
	"sigcast/internal/config"
	"sigcast/internal/pipeline"
	logx "sigcast/pkg/logx"
)

// TriggerCLI marks runs started from the command line.
const TriggerCLI = "cli"

func newRunCmd() *cobra.Command {
	var (
		ids      []string
		template string
		post     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, generate and optionally post once, then exit",
		Example: `  sigcast run --signal btc --signal fr
  sigcast run --signal top_1h --template "Summarize: {{data}}" --post`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				ids = cfg.Signals.Selected
			}
			if cmd.Flags().Changed("template") {
				cfg.Signals.Template = template
			}
			return runOnce(ctx, cmd, cfg, ids, post)
		},
	}
	cmd.Flags().StringArrayVarP(&ids, "signal", "s", nil, "signal id to select, repeatable (default: signals.selected)")
	cmd.Flags().StringVarP(&template, "template", "t", "", "prompt template overriding signals.template")
	cmd.Flags().BoolVar(&post, "post", false, "deliver the generated messages")
	return cmd
}

func runOnce(ctx context.Context, cmd *cobra.Command, cfg *config.Config, raw []string, post bool) error {
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "run"))
	ctl, err := app.NewController(ctx, cfg, app.Deps{Log: log})
	if err != nil {
		return err
	}
	defer ctl.Close(context.Background())

	ids, err := app.SignalIDs(ctl.Catalog(), raw)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no signals selected; pass --signal or set signals.selected")
	}

	events, unsub := ctl.Bus().Subscribe(len(ids) + 8)
	defer unsub()
	if err := ctl.SetSelection(ids); err != nil {
		return err
	}
	if err := ctl.WaitIdle(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if fe, ok := ev.Data.(pipeline.FetchEvent); ok && ev.Type == pipeline.EventFetchFailed {
				fmt.Fprintf(cmd.ErrOrStderr(), "fetch %s failed: %v\n", fe.ID, fe.Err)
			}
		default:
			drained = true
		}
	}

	msgs, err := ctl.GeneratePreview(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s]\n%s\n\n", m.Label, m.Text)
	}
	if !post {
		return nil
	}

	sum, err := ctl.PostAll(ctx, TriggerCLI)
	for _, r := range sum.Records {
		line := fmt.Sprintf("%-10s %s", r.Status, r.Label)
		if r.Err != "" {
			line += ": " + r.Err
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Posted %d/%d\n", sum.Succeeded, sum.Total)
	if err != nil {
		return err
	}
	if sum.Succeeded < sum.Total {
		return fmt.Errorf("%d of %d items failed", sum.Total-sum.Succeeded, sum.Total)
	}
	return nil
}
