// Package worker consumes shard tasks from the queue and drives them through
// conversion, the shared-table append, and the session bookkeeping. Delivery
// is at-least-once: every step tolerates seeing the same task twice.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/config"
	"github.com/queryshift/queryshift/internal/dispatch"
	"github.com/queryshift/queryshift/internal/executor"
	"github.com/queryshift/queryshift/internal/models"
	"github.com/queryshift/queryshift/internal/session"
	"github.com/queryshift/queryshift/internal/warehouse"
)

// Appender is the warehouse write surface the worker needs. Satisfied by
// warehouse.Writer.
type Appender interface {
	Append(ctx context.Context, rows []warehouse.ResultRow, batchID string) (int, error)
}

// Runner converts one shard. Satisfied by executor.Executor.
type Runner interface {
	Execute(ctx context.Context, task models.TaskDescriptor) (*executor.Result, error)
}

// delivery describes one queue delivery of a task.
type delivery struct {
	ID       string
	Retried  int
	MaxRetry int
}

// Handler processes shard task deliveries.
type Handler struct {
	store     *session.Store
	runner    Runner
	appender  Appender
	hostname  string
	softLimit time.Duration
	logger    zerolog.Logger

	// deliveryInfo reads delivery metadata from the task context.
	deliveryInfo func(ctx context.Context) delivery
}

func NewHandler(store *session.Store, runner Runner, appender Appender, hostname string, logger zerolog.Logger) *Handler {
	return &Handler{
		store:        store,
		runner:       runner,
		appender:     appender,
		hostname:     hostname,
		logger:       logger,
		deliveryInfo: asynqDelivery,
	}
}

// WithSoftLimit makes the handler log a warning when a task runs longer than
// d. The hard limit enforced by the queue stays in charge of cancellation.
func (h *Handler) WithSoftLimit(d time.Duration) *Handler {
	h.softLimit = d
	return h
}

func asynqDelivery(ctx context.Context) delivery {
	var d delivery
	d.ID, _ = asynq.GetTaskID(ctx)
	d.Retried, _ = asynq.GetRetryCount(ctx)
	d.MaxRetry, _ = asynq.GetMaxRetry(ctx)
	return d
}

// NewServer builds the queue consumer with the retry and concurrency policy
// for shard tasks. Retry backoff doubles from one minute per attempt.
func NewServer(redisOpt asynq.RedisClientOpt, cfg config.WorkerConfig) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{dispatch.QueueShards: 1},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(60*(1<<n)) * time.Second
		},
	})
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var task models.TaskDescriptor
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		// A payload that never parses can never succeed.
		return errors.Wrapf(asynq.SkipRetry, "unmarshal task payload: %v", err)
	}

	del := h.deliveryInfo(ctx)
	workerID := h.workerID(del)
	logger := h.logger.With().
		Str("task_id", task.TaskID).
		Str("session_id", task.SessionID).
		Str("worker_id", workerID).
		Logger()

	if done, err := h.claim(ctx, task.TaskID, workerID, logger); err != nil {
		return err
	} else if done {
		return nil
	}

	if del.Retried > 0 {
		if _, err := h.store.IncrementTaskRetry(ctx, task.TaskID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record delivery retry")
		}
	}

	if h.softLimit > 0 {
		timer := time.AfterFunc(h.softLimit, func() {
			logger.Warn().Dur("soft_limit", h.softLimit).Msg("Task exceeded soft time limit")
		})
		defer timer.Stop()
	}

	res, err := h.runner.Execute(ctx, task)
	if err != nil {
		return h.fail(ctx, task, del, workerID, logger, errors.Wrap(err, "execute shard"))
	}

	if _, err := h.appender.Append(ctx, res.Rows, task.BatchID()); err != nil {
		return h.fail(ctx, task, del, workerID, logger, errors.Wrap(err, "append results"))
	}

	if err := h.store.TransitionTask(ctx, task.TaskID, models.TaskStatusCompleted, workerID, &res.Summary); err != nil {
		return errors.Wrapf(err, "complete task %s", task.TaskID)
	}
	h.tryComplete(ctx, task.SessionID, logger)

	logger.Info().
		Int("queries", res.Summary.UniqueQueries).
		Int("failed", res.Summary.FailedQueries).
		Msg("Shard task completed")
	return nil
}

// claim moves the task to processing. A redelivery of a task that died
// mid-processing is requeued and claimed again; a redelivery of a finished
// task is acknowledged without work.
func (h *Handler) claim(ctx context.Context, taskID, workerID string, logger zerolog.Logger) (done bool, err error) {
	claimErr := h.store.TransitionTask(ctx, taskID, models.TaskStatusProcessing, workerID, nil)
	if claimErr == nil {
		return false, nil
	}
	if !errors.Is(claimErr, session.ErrInvalidTransition) {
		return false, errors.Wrapf(claimErr, "claim task %s", taskID)
	}

	current, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return false, errors.Wrapf(err, "load task %s after failed claim", taskID)
	}
	switch current.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		logger.Info().Str("status", current.Status).Msg("Redelivery of finished task, acknowledging")
		return true, nil
	case models.TaskStatusProcessing:
		// The previous delivery died without a terminal transition.
		logger.Warn().Msg("Task stuck in processing, requeueing before claim")
		if err := h.store.RequeueTask(ctx, taskID); err != nil {
			return false, errors.Wrapf(err, "requeue task %s", taskID)
		}
		if err := h.store.TransitionTask(ctx, taskID, models.TaskStatusProcessing, workerID, nil); err != nil {
			return false, errors.Wrapf(err, "reclaim task %s", taskID)
		}
		return false, nil
	default:
		return false, errors.Wrapf(claimErr, "claim task %s", taskID)
	}
}

// fail decides between retry and terminal failure. Retries release the claim
// so the next delivery can take it; the final attempt records the failure and
// lets the session settle.
func (h *Handler) fail(ctx context.Context, task models.TaskDescriptor, del delivery, workerID string, logger zerolog.Logger, cause error) error {
	if del.Retried < del.MaxRetry {
		logger.Warn().Err(cause).Int("retried", del.Retried).Msg("Shard task failed, releasing for retry")
		if err := h.store.RequeueTask(ctx, task.TaskID); err != nil {
			logger.Error().Err(err).Msg("Failed to release task for retry")
		}
		return cause
	}

	logger.Error().Err(cause).Int("retried", del.Retried).Msg("Shard task failed permanently")
	summary := &models.TaskSummary{
		BatchID:      task.BatchID(),
		Remainder:    task.Remainder,
		TotalShards:  task.TotalShards,
		ErrorMessage: cause.Error(),
	}
	if err := h.store.TransitionTask(ctx, task.TaskID, models.TaskStatusFailed, workerID, summary); err != nil {
		logger.Error().Err(err).Msg("Failed to record terminal task failure")
	}
	h.tryComplete(ctx, task.SessionID, logger)
	return cause
}

func (h *Handler) tryComplete(ctx context.Context, sessionID string, logger zerolog.Logger) {
	won, err := h.store.TryCompleteSession(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to check session completion")
		return
	}
	if won {
		logger.Info().Str("session_id", sessionID).Msg("Session completed")
	}
}

// workerID names this delivery: host plus a prefix of the queue delivery id,
// so two deliveries of the same task are distinguishable in the results.
func (h *Handler) workerID(del delivery) string {
	id := del.ID
	if id == "" {
		return h.hostname + ":local"
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s:%s", h.hostname, id)
}
