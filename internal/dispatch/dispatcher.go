// Package dispatch turns a submitted source path into a session: it pre-scans
// the input files, decides per-file shard counts, records the session and its
// tasks, and enqueues one shard task per (file, remainder) pair.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/config"
	"github.com/queryshift/queryshift/internal/models"
	"github.com/queryshift/queryshift/internal/session"
	"github.com/queryshift/queryshift/internal/source"
)

// TypeShardTask is the queue task type carrying a shard descriptor.
const TypeShardTask = "shard:convert"

// QueueShards is the queue shard tasks are published to and consumed from.
const QueueShards = "shards"

// Enqueuer publishes shard tasks for workers to pick up.
type Enqueuer interface {
	Enqueue(ctx context.Context, d models.TaskDescriptor) error
}

// AsynqEnqueuer publishes shard tasks through asynq with the retry and
// timeout policy workers expect.
type AsynqEnqueuer struct {
	client     *asynq.Client
	maxRetries int
	timeLimit  time.Duration
}

func NewAsynqEnqueuer(client *asynq.Client, worker config.WorkerConfig) *AsynqEnqueuer {
	return &AsynqEnqueuer{
		client:     client,
		maxRetries: worker.MaxTaskRetries,
		timeLimit:  worker.TaskTimeLimit,
	}
}

func (e *AsynqEnqueuer) Enqueue(ctx context.Context, d models.TaskDescriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal task descriptor")
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeShardTask, payload),
		asynq.Queue(QueueShards),
		asynq.MaxRetry(e.maxRetries),
		asynq.Timeout(e.timeLimit),
	)
	return errors.Wrapf(err, "enqueue task %s", d.TaskID)
}

// Request is one conversion submission. Dialects default from configuration
// when left empty.
type Request struct {
	SourcePath   string            `json:"source_path"`
	FromDialect  string            `json:"from_dialect,omitempty"`
	ToDialect    string            `json:"to_dialect,omitempty"`
	FeatureFlags map[string]string `json:"feature_flags,omitempty"`
}

// Result summarizes what a submission produced.
type Result struct {
	SessionID     string            `json:"session_id"`
	Status        string            `json:"status"`
	TotalFiles    int               `json:"total_files"`
	TotalQueries  int64             `json:"total_queries"`
	UniqueQueries int64             `json:"unique_queries"`
	TotalShards   int               `json:"total_shards"`
	FileStats     []models.FileStat `json:"file_stats"`
}

// Dispatcher owns session creation and task fan-out.
type Dispatcher struct {
	store    *session.Store
	enqueuer Enqueuer
	cfg      config.DispatchConfig
	logger   zerolog.Logger
}

func New(store *session.Store, enqueuer Enqueuer, cfg config.DispatchConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, enqueuer: enqueuer, cfg: cfg, logger: logger}
}

// Dispatch pre-scans the source, creates the session with its full shard
// plan, and enqueues every shard task. When enqueueing fails partway the
// session is marked failed; already-queued tasks still run to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.SourcePath == "" {
		return nil, errors.New("source path is required")
	}
	fromDialect := req.FromDialect
	if fromDialect == "" {
		fromDialect = d.cfg.FromDialect
	}
	toDialect := req.ToDialect
	if toDialect == "" {
		toDialect = d.cfg.ToDialect
	}

	files, err := source.ListParquetFiles(req.SourcePath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no parquet files found under %s", req.SourcePath)
	}

	stats := make([]models.FileStat, 0, len(files))
	var totalQueries, uniqueQueries int64
	totalShards := 0
	for _, file := range files {
		fs, err := source.ScanStats(file, d.cfg.QueryColumn, d.cfg.TargetShardSize)
		if err != nil {
			return nil, errors.Wrapf(err, "pre-scan %s", file)
		}
		stats = append(stats, models.FileStat{
			FilePath:        fs.FilePath,
			FileName:        fs.FileName,
			TotalRows:       fs.TotalRows,
			UniqueQueries:   fs.UniqueQueries,
			Shards:          fs.SuggestedShards,
			QueriesPerShard: fs.QueriesPerShard,
			ScanTimeSeconds: fs.ScanTime.Seconds(),
		})
		totalQueries += fs.TotalRows
		uniqueQueries += fs.UniqueQueries
		totalShards += fs.SuggestedShards
	}

	sessionID, err := d.store.CreateSession(ctx, session.CreateSessionParams{
		SourcePath:    req.SourcePath,
		FromDialect:   fromDialect,
		ToDialect:     toDialect,
		TotalFiles:    len(files),
		TotalQueries:  totalQueries,
		UniqueQueries: uniqueQueries,
		TotalShards:   totalShards,
		FileStats:     stats,
	})
	if err != nil {
		return nil, err
	}

	for _, fs := range stats {
		perShard := fs.QueriesPerShard
		for remainder := 0; remainder < fs.Shards; remainder++ {
			taskID, err := d.store.CreateTask(ctx, sessionID, fs.FilePath, remainder, fs.Shards, perShard)
			if err != nil {
				return nil, d.abort(ctx, sessionID, err)
			}
			descriptor := models.TaskDescriptor{
				SessionID:               sessionID,
				TaskID:                  taskID,
				FilePath:                fs.FilePath,
				Remainder:               remainder,
				TotalShards:             fs.Shards,
				QueryColumn:             d.cfg.QueryColumn,
				FromDialect:             fromDialect,
				ToDialect:               toDialect,
				EstimatedUniquePerShard: perShard,
				FeatureFlags:            req.FeatureFlags,
			}
			if err := d.enqueuer.Enqueue(ctx, descriptor); err != nil {
				return nil, d.abort(ctx, sessionID, err)
			}
		}
	}

	d.logger.Info().
		Str("session_id", sessionID).
		Int("files", len(files)).
		Int("shards", totalShards).
		Int64("unique_queries", uniqueQueries).
		Msg("Session dispatched")

	return &Result{
		SessionID:     sessionID,
		Status:        models.SessionStatusProcessing,
		TotalFiles:    len(files),
		TotalQueries:  totalQueries,
		UniqueQueries: uniqueQueries,
		TotalShards:   totalShards,
		FileStats:     stats,
	}, nil
}

func (d *Dispatcher) abort(ctx context.Context, sessionID string, cause error) error {
	if err := d.store.FailSession(ctx, sessionID, cause.Error()); err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to mark session failed")
	}
	return errors.Wrapf(cause, "dispatch session %s", sessionID)
}
