package models

import (
	"fmt"
	"time"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task is one (file, shard-remainder) unit of work within a session.
type Task struct {
	ID                     string       `json:"task_id"`
	SessionID              string       `json:"session_id"`
	FilePath               string       `json:"file_path"`
	Remainder              int          `json:"remainder"`
	TotalShards            int          `json:"total_shards"`
	EstimatedUniqueQueries int64        `json:"estimated_unique_queries"`
	Status                 string       `json:"status"`
	WorkerID               string       `json:"worker_id,omitempty"`
	RetryCount             int          `json:"retry_count"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              *time.Time   `json:"updated_at,omitempty"`
	FinishedAt             *time.Time   `json:"finished_at,omitempty"`
	Result                 *TaskSummary `json:"result,omitempty"`
}

// TaskSummary is the opaque result blob recorded on a terminal task.
type TaskSummary struct {
	BatchID           string  `json:"batch_id"`
	FileName          string  `json:"file_name"`
	Remainder         int     `json:"remainder"`
	TotalShards       int     `json:"total_shards"`
	UniqueQueries     int     `json:"unique_queries"`
	SuccessfulQueries int     `json:"successful_queries"`
	FailedQueries     int     `json:"failed_queries"`
	ExecutableQueries int     `json:"executable_queries"`
	RowsStored        int     `json:"rows_stored"`
	ProcessingSeconds float64 `json:"processing_time_seconds"`
	ErrorMessage      string  `json:"error_message,omitempty"`
}

// TaskDescriptor is the queue payload delivered at-least-once to workers.
type TaskDescriptor struct {
	SessionID               string            `json:"session_id"`
	TaskID                  string            `json:"task_id"`
	FilePath                string            `json:"file_path"`
	Remainder               int               `json:"remainder"`
	TotalShards             int               `json:"total_shards"`
	QueryColumn             string            `json:"query_column"`
	FromDialect             string            `json:"from_dialect"`
	ToDialect               string            `json:"to_dialect"`
	EstimatedUniquePerShard int64             `json:"estimated_unique_per_shard"`
	FeatureFlags            map[string]string `json:"feature_flags,omitempty"`
}

// BatchID names the shared-table append batch for one task delivery.
func (d TaskDescriptor) BatchID() string {
	return fmt.Sprintf("%s_batch_%d", d.SessionID, d.Remainder)
}
