package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowstate/pkg/schema"
)

// DefaultRetryDelay is how long the auto-checkpointer waits before retrying
// a failed checkpoint.
const DefaultRetryDelay = 5 * time.Second

// SnapshotSource supplies the data for one automatic checkpoint. Returning
// an error skips the attempt; the worker retries after the retry delay.
type SnapshotSource func() (workflowID string, snap *schema.ContextSnapshot, customData map[string]any, err error)

// AutoCheckpointConfig configures the background checkpoint worker.
// Exactly one of Interval or CronSpec must be set.
type AutoCheckpointConfig struct {
	// Interval fires on a fixed period.
	Interval time.Duration
	// CronSpec fires on a standard 5-field cron schedule.
	CronSpec string
	// Name, when set, names every checkpoint the worker creates.
	Name string
	// RetryDelay overrides DefaultRetryDelay.
	RetryDelay time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// AutoCheckpointer periodically calls CheckpointManager.Create until stopped.
// Errors are retried after a short delay rather than terminating the worker.
type AutoCheckpointer struct {
	mgr        *CheckpointManager
	source     SnapshotSource
	interval   time.Duration
	schedule   cron.Schedule
	name       string
	retryDelay time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutoCheckpointer creates a worker bound to a manager and a source.
func NewAutoCheckpointer(mgr *CheckpointManager, source SnapshotSource, cfg AutoCheckpointConfig) (*AutoCheckpointer, error) {
	if mgr == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint manager is nil")
	}
	if source == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot source is nil")
	}
	if (cfg.Interval <= 0) == (cfg.CronSpec == "") {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"exactly one of Interval or CronSpec must be set")
	}

	a := &AutoCheckpointer{
		mgr:        mgr,
		source:     source,
		interval:   cfg.Interval,
		name:       cfg.Name,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}
	if a.retryDelay <= 0 {
		a.retryDelay = DefaultRetryDelay
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if cfg.CronSpec != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(cfg.CronSpec)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cron spec %q: %s", cfg.CronSpec, err.Error()).WithCause(err)
		}
		a.schedule = sched
	}
	return a, nil
}

// Start launches the background loop. Calling Start on a running worker is
// an error.
func (a *AutoCheckpointer) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "auto-checkpointer already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.loop(runCtx, a.done)
	a.logger.Info("auto-checkpointer started")
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (a *AutoCheckpointer) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.logger.Info("auto-checkpointer stopped")
}

func (a *AutoCheckpointer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := a.nextDelay(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := a.checkpointOnce(); err != nil {
			a.logger.Error("automatic checkpoint failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", a.retryDelay))
			// Retry after a short delay instead of waiting a full period.
			retry := time.NewTimer(a.retryDelay)
			select {
			case <-ctx.Done():
				retry.Stop()
				return
			case <-retry.C:
			}
			if err := a.checkpointOnce(); err != nil {
				a.logger.Error("automatic checkpoint retry failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (a *AutoCheckpointer) nextDelay(now time.Time) time.Duration {
	if a.schedule != nil {
		return a.schedule.Next(now).Sub(now)
	}
	return a.interval
}

func (a *AutoCheckpointer) checkpointOnce() error {
	workflowID, snap, customData, err := a.source()
	if err != nil {
		return err
	}
	id, err := a.mgr.Create(workflowID, snap, customData, a.name)
	if err != nil {
		return err
	}
	a.logger.Debug("automatic checkpoint created",
		slog.String("workflow_id", workflowID),
		slog.String("checkpoint_id", id))
	return nil
}
