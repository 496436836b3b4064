package schedule

import (
	"context"
	"fmt"

	"sigcast/internal/pipeline"
)

// Runner is the part of *pipeline.Controller the autopost job drives.
type Runner interface {
	WaitIdle(ctx context.Context) error
	GeneratePreview(ctx context.Context) ([]pipeline.Message, error)
	PostAll(ctx context.Context, trigger string) (pipeline.RunSummary, error)
}

const TriggerSchedule = "schedule"

// Autopost regenerates from the current selection and template, then
// delivers. A failed generation never posts the stale messages.
func Autopost(r Runner) Job {
	return func(ctx context.Context) error {
		if err := r.WaitIdle(ctx); err != nil {
			return fmt.Errorf("wait for fetches: %w", err)
		}
		if _, err := r.GeneratePreview(ctx); err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		sum, err := r.PostAll(ctx, TriggerSchedule)
		if err != nil {
			return fmt.Errorf("post: %w", err)
		}
		if sum.Succeeded < sum.Total {
			return fmt.Errorf("post: %d of %d items failed", sum.Total-sum.Succeeded, sum.Total)
		}
		return nil
	}
}
