package evilbot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
)

const pruneInferenceLogsJob = "prune_inference_logs"

// startScheduler starts background maintenance jobs. Nothing is scheduled
// when inference log retention is disabled.
func (b *EvilBot) startScheduler(ctx context.Context) error {
	if b.config.Inference.LogRetention <= 0 {
		b.logger.InfoContext(ctx, "inference log retention disabled, not pruning")
		return nil
	}

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(newGocronLogger(b.logger.With(loggerNameKey, "scheduler"))),
	)
	if err != nil {
		return fmt.Errorf("error creating scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(b.config.Inference.LogPruneInterval),
		gocron.NewTask(
			func() {
				b.pruneInferenceLogs(ctx)
			},
		),
		gocron.WithName(pruneInferenceLogsJob),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("error scheduling %s: %w", pruneInferenceLogsJob, err)
	}

	s.Start()
	b.scheduler = s
	b.logger.InfoContext(
		ctx,
		"scheduled inference log pruning",
		"interval", b.config.Inference.LogPruneInterval,
		"retention", b.config.Inference.LogRetention,
	)
	return nil
}

// pruneInferenceLogs deletes inference records older than the configured
// retention, returning the number deleted
func (b *EvilBot) pruneInferenceLogs(ctx context.Context) int64 {
	retention := b.config.Inference.LogRetention
	if retention <= 0 || b.writeDB == nil {
		return 0
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	deleted, err := b.writeDB.DeleteWhere(ctx, &InferenceLog{}, "created_at < ?", cutoff)
	if err != nil {
		b.logger.ErrorContext(ctx, "error pruning inference logs", tint.Err(err))
		return 0
	}
	if deleted > 0 {
		b.logger.InfoContext(
			ctx,
			"pruned inference logs",
			"deleted", deleted,
			"cutoff", time.UnixMilli(cutoff).UTC(),
		)
	}
	return deleted
}
