// Package session tracks conversion sessions and their shard tasks in Redis.
// Session and task records live in hashes, per-status task membership lives in
// sets, and aggregated progress lives in a counter hash. Every mutation that
// moves a task between statuses applies the set move and the paired counter
// updates atomically, so polling clients never observe counters and
// membership out of step.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

const timeLayout = time.RFC3339Nano

type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func sessionKey(id string) string  { return "batch_session:" + id }
func progressKey(id string) string { return "batch_session:" + id + ":progress" }
func tasksKey(id string) string    { return "batch_session:" + id + ":tasks" }
func statusSetKey(id, status string) string {
	return "batch_session:" + id + ":" + status
}
func taskKey(id string) string { return "task:" + id + ":meta" }

// CreateSessionParams carries everything fixed at session creation.
type CreateSessionParams struct {
	SourcePath    string
	FromDialect   string
	ToDialect     string
	TotalFiles    int
	TotalQueries  int64
	UniqueQueries int64
	TotalShards   int
	FileStats     []models.FileStat
}

// CreateSession writes a new session record with status processing and the
// pending counter primed to the total shard count. The shard count is fixed
// for the session's lifetime.
func (s *Store) CreateSession(ctx context.Context, p CreateSessionParams) (string, error) {
	id := "session_" + uuid.NewString()[:8]
	now := time.Now().UTC()

	stats, err := json.Marshal(p.FileStats)
	if err != nil {
		return "", errors.Wrap(err, "marshal file stats")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(id), map[string]interface{}{
			"session_id":     id,
			"source_path":    p.SourcePath,
			"from_dialect":   p.FromDialect,
			"to_dialect":     p.ToDialect,
			"total_files":    p.TotalFiles,
			"total_queries":  p.TotalQueries,
			"unique_queries": p.UniqueQueries,
			"total_shards":   p.TotalShards,
			"status":         models.SessionStatusProcessing,
			"created_at":     now.Format(timeLayout),
			"file_stats":     string(stats),
		})
		pipe.HSet(ctx, progressKey(id), map[string]interface{}{
			"pending":    p.TotalShards,
			"processing": 0,
			"completed":  0,
			"failed":     0,
		})
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "create session")
	}

	s.logger.Info().Str("session_id", id).Int("total_shards", p.TotalShards).Msg("Session created")
	return id, nil
}

// CreateTask records one pending (file, remainder) shard task and adds it to
// the session's pending membership set.
func (s *Store) CreateTask(ctx context.Context, sessionID, filePath string, remainder, totalShards int, estimatedUnique int64) (string, error) {
	id := "task_" + uuid.NewString()[:8]
	now := time.Now().UTC()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(id), map[string]interface{}{
			"task_id":                  id,
			"session_id":               sessionID,
			"file_path":                filePath,
			"remainder":                remainder,
			"total_shards":             totalShards,
			"estimated_unique_queries": estimatedUnique,
			"status":                   models.TaskStatusPending,
			"created_at":               now.Format(timeLayout),
			"worker_id":                "",
			"retry_count":              0,
		})
		pipe.SAdd(ctx, tasksKey(sessionID), id)
		pipe.SAdd(ctx, statusSetKey(sessionID, models.TaskStatusPending), id)
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "create task for session %s", sessionID)
	}
	return id, nil
}

// transitionScript validates and applies a task status transition as one
// atomic unit: task hash update, membership set move, and the paired counter
// increments. Returns the current status when the expected source status does
// not match.
//
// KEYS: task meta, source set, destination set, progress hash
// ARGV: expected status, new status, timestamp, worker id, result JSON,
// terminal flag, task id
var transitionScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "status")
if cur == false then
	return redis.error_reply("task missing")
end
if cur ~= ARGV[1] then
	return cur
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[3])
if ARGV[4] ~= "" then
	redis.call("HSET", KEYS[1], "worker_id", ARGV[4])
end
if ARGV[5] ~= "" then
	redis.call("HSET", KEYS[1], "result", ARGV[5])
end
if ARGV[6] == "1" then
	redis.call("HSET", KEYS[1], "finished_at", ARGV[3])
end
redis.call("SMOVE", KEYS[2], KEYS[3], ARGV[7])
redis.call("HINCRBY", KEYS[4], ARGV[1], -1)
redis.call("HINCRBY", KEYS[4], ARGV[2], 1)
return ""
`)

// expectedSource maps a destination status to the only status it may be
// reached from.
var expectedSource = map[string]string{
	models.TaskStatusProcessing: models.TaskStatusPending,
	models.TaskStatusCompleted:  models.TaskStatusProcessing,
	models.TaskStatusFailed:     models.TaskStatusProcessing,
}

// TransitionTask moves a task to newStatus, stamping worker id and result when
// provided. Only pending->processing, processing->completed and
// processing->failed are legal.
func (s *Store) TransitionTask(ctx context.Context, taskID, newStatus, workerID string, result *models.TaskSummary) error {
	src, ok := expectedSource[newStatus]
	if !ok {
		return errors.Wrapf(ErrInvalidTransition, "no transition to %q", newStatus)
	}

	sessionID, err := s.client.HGet(ctx, taskKey(taskID), "session_id").Result()
	if err == redis.Nil {
		return errors.Wrap(ErrTaskNotFound, taskID)
	}
	if err != nil {
		return errors.Wrapf(err, "load task %s", taskID)
	}

	resultJSON := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return errors.Wrap(err, "marshal task result")
		}
		resultJSON = string(b)
	}

	terminal := "0"
	if newStatus == models.TaskStatusCompleted || newStatus == models.TaskStatusFailed {
		terminal = "1"
	}

	res, err := transitionScript.Run(ctx, s.client,
		[]string{
			taskKey(taskID),
			statusSetKey(sessionID, src),
			statusSetKey(sessionID, newStatus),
			progressKey(sessionID),
		},
		src, newStatus, time.Now().UTC().Format(timeLayout), workerID, resultJSON, terminal, taskID,
	).Result()
	if err != nil {
		return errors.Wrapf(err, "transition task %s to %s", taskID, newStatus)
	}
	if cur, _ := res.(string); cur != "" {
		return errors.Wrapf(ErrInvalidTransition, "task %s is %q, cannot move to %q", taskID, cur, newStatus)
	}
	return nil
}

// IncrementTaskRetry bumps a task's delivery retry counter and returns the new
// value.
func (s *Store) IncrementTaskRetry(ctx context.Context, taskID string) (int, error) {
	n, err := s.client.HIncrBy(ctx, taskKey(taskID), "retry_count", 1).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "increment retry for task %s", taskID)
	}
	return int(n), nil
}

// RequeueTask moves a redelivered task from processing back to pending so the
// next delivery can claim it again.
func (s *Store) RequeueTask(ctx context.Context, taskID string) error {
	sessionID, err := s.client.HGet(ctx, taskKey(taskID), "session_id").Result()
	if err == redis.Nil {
		return errors.Wrap(ErrTaskNotFound, taskID)
	}
	if err != nil {
		return errors.Wrapf(err, "load task %s", taskID)
	}
	res, err := transitionScript.Run(ctx, s.client,
		[]string{
			taskKey(taskID),
			statusSetKey(sessionID, models.TaskStatusProcessing),
			statusSetKey(sessionID, models.TaskStatusPending),
			progressKey(sessionID),
		},
		models.TaskStatusProcessing, models.TaskStatusPending,
		time.Now().UTC().Format(timeLayout), "", "", "0", taskID,
	).Result()
	if err != nil {
		return errors.Wrapf(err, "requeue task %s", taskID)
	}
	if cur, _ := res.(string); cur != "" {
		return errors.Wrapf(ErrInvalidTransition, "task %s is %q, cannot requeue", taskID, cur)
	}
	return nil
}

// tryCompleteScript sets the session terminal exactly once when no pending or
// processing shards remain. Concurrent callers race safely: one winner flips
// the status, the rest observe it already completed.
var tryCompleteScript = redis.NewScript(`
local pending = tonumber(redis.call("HGET", KEYS[2], "pending") or "0")
local processing = tonumber(redis.call("HGET", KEYS[2], "processing") or "0")
local status = redis.call("HGET", KEYS[1], "status")
if pending == 0 and processing == 0 and status == ARGV[2] then
	redis.call("HSET", KEYS[1], "status", "completed", "finished_at", ARGV[1])
	return 1
end
return 0
`)

// TryCompleteSession marks the session completed when every shard is terminal.
// It is safe to call from multiple workers finishing at nearly the same time;
// the return value reports whether this call was the winning transition.
func (s *Store) TryCompleteSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := tryCompleteScript.Run(ctx, s.client,
		[]string{sessionKey(sessionID), progressKey(sessionID)},
		time.Now().UTC().Format(timeLayout), models.SessionStatusProcessing,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "complete session %s", sessionID)
	}
	if res == 1 {
		s.logger.Info().Str("session_id", sessionID).Msg("Session completed")
	}
	return res == 1, nil
}

// FailSession marks the session failed. Terminal states never reverse, so a
// completed session is left untouched.
func (s *Store) FailSession(ctx context.Context, sessionID, reason string) error {
	status, err := s.client.HGet(ctx, sessionKey(sessionID), "status").Result()
	if err == redis.Nil {
		return errors.Wrap(ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return errors.Wrapf(err, "load session %s", sessionID)
	}
	if status != models.SessionStatusProcessing {
		return nil
	}
	err = s.client.HSet(ctx, sessionKey(sessionID), map[string]interface{}{
		"status":      models.SessionStatusFailed,
		"finished_at": time.Now().UTC().Format(timeLayout),
		"error":       reason,
	}).Err()
	return errors.Wrapf(err, "fail session %s", sessionID)
}

// GetSessionStatus returns the aggregate view polled by clients.
func (s *Store) GetSessionStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	sess, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", sessionID)
	}
	if len(sess) == 0 {
		return nil, errors.Wrap(ErrSessionNotFound, sessionID)
	}
	progress, err := s.client.HGetAll(ctx, progressKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load progress for %s", sessionID)
	}

	totalShards := parseInt(sess["total_shards"])
	completed := int64(parseInt(progress["completed"]))
	failed := int64(parseInt(progress["failed"]))
	processing := int64(parseInt(progress["processing"]))
	pending := int64(parseInt(progress["pending"]))

	var pct float64
	if totalShards > 0 {
		pct = float64(completed+failed) / float64(totalShards) * 100
	}

	createdAt, _ := time.Parse(timeLayout, sess["created_at"])
	var elapsed float64
	if !createdAt.IsZero() {
		elapsed = time.Since(createdAt).Seconds()
	}
	var remaining, perSecond float64
	if completed > 0 {
		remaining = elapsed / float64(completed) * float64(pending)
	}
	if elapsed > 0 {
		perSecond = float64(completed) / elapsed
	}

	var stats []models.FileStat
	if raw := sess["file_stats"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &stats); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Malformed file stats")
		}
	}

	return &models.SessionStatus{
		SessionID:     sessionID,
		SourcePath:    sess["source_path"],
		FromDialect:   sess["from_dialect"],
		ToDialect:     sess["to_dialect"],
		Status:        sess["status"],
		CreatedAt:     createdAt,
		TotalFiles:    parseInt(sess["total_files"]),
		TotalQueries:  int64(parseInt(sess["total_queries"])),
		UniqueQueries: int64(parseInt(sess["unique_queries"])),
		FileStats:     stats,
		Progress: models.Progress{
			TotalShards:          totalShards,
			Completed:            completed,
			Failed:               failed,
			Processing:           processing,
			Pending:              pending,
			CompletionPercentage: round1(pct),
		},
		Performance: models.Performance{
			ElapsedSeconds:            round1(elapsed),
			EstimatedRemainingSeconds: round1(remaining),
			ShardsPerSecond:           perSecond,
		},
	}, nil
}

// GetTask returns one task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	meta, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load task %s", taskID)
	}
	if len(meta) == 0 {
		return nil, errors.Wrap(ErrTaskNotFound, taskID)
	}
	return taskFromHash(meta), nil
}

// ListSessionTasks returns all tasks of a session ordered by remainder.
func (s *Store) ListSessionTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	exists, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "check session %s", sessionID)
	}
	if exists == 0 {
		return nil, errors.Wrap(ErrSessionNotFound, sessionID)
	}

	ids, err := s.client.SMembers(ctx, tasksKey(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list tasks for %s", sessionID)
	}
	tasks := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].FilePath != tasks[j].FilePath {
			return tasks[i].FilePath < tasks[j].FilePath
		}
		return tasks[i].Remainder < tasks[j].Remainder
	})
	return tasks, nil
}

// CleanupOldSessions deletes sessions (and their tasks) created before the
// retention window. Returns the number of sessions removed.
func (s *Store) CleanupOldSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0

	iter := s.client.Scan(ctx, 0, "batch_session:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if countColons(key) != 1 {
			continue // progress/tasks/status subkeys
		}
		created, err := s.client.HGet(ctx, key, "created_at").Result()
		if err != nil {
			continue
		}
		ts, err := time.Parse(timeLayout, created)
		if err != nil || !ts.Before(cutoff) {
			continue
		}
		id, err := s.client.HGet(ctx, key, "session_id").Result()
		if err != nil {
			continue
		}

		taskIDs, _ := s.client.SMembers(ctx, tasksKey(id)).Result()
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, tid := range taskIDs {
				pipe.Del(ctx, taskKey(tid))
			}
			pipe.Del(ctx, sessionKey(id), progressKey(id), tasksKey(id),
				statusSetKey(id, models.TaskStatusPending),
				statusSetKey(id, models.TaskStatusProcessing),
				statusSetKey(id, models.TaskStatusCompleted),
				statusSetKey(id, models.TaskStatusFailed))
			return nil
		})
		if err != nil {
			return removed, errors.Wrapf(err, "cleanup session %s", id)
		}
		removed++
		s.logger.Info().Str("session_id", id).Msg("Cleaned up old session")
	}
	if err := iter.Err(); err != nil {
		return removed, errors.Wrap(err, "scan sessions")
	}
	return removed, nil
}

func taskFromHash(meta map[string]string) *models.Task {
	t := &models.Task{
		ID:                     meta["task_id"],
		SessionID:              meta["session_id"],
		FilePath:               meta["file_path"],
		Remainder:              parseInt(meta["remainder"]),
		TotalShards:            parseInt(meta["total_shards"]),
		EstimatedUniqueQueries: int64(parseInt(meta["estimated_unique_queries"])),
		Status:                 meta["status"],
		WorkerID:               meta["worker_id"],
		RetryCount:             parseInt(meta["retry_count"]),
	}
	t.CreatedAt, _ = time.Parse(timeLayout, meta["created_at"])
	if v := meta["updated_at"]; v != "" {
		if ts, err := time.Parse(timeLayout, v); err == nil {
			t.UpdatedAt = &ts
		}
	}
	if v := meta["finished_at"]; v != "" {
		if ts, err := time.Parse(timeLayout, v); err == nil {
			t.FinishedAt = &ts
		}
	}
	if v := meta["result"]; v != "" {
		var sum models.TaskSummary
		if err := json.Unmarshal([]byte(v), &sum); err == nil {
			t.Result = &sum
		}
	}
	return t
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

func countColons(s string) int {
	n := 0
	for _, r := range s {
		if r == ':' {
			n++
		}
	}
	return n
}
