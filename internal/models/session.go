package models

import "time"

const (
	SessionStatusProcessing = "processing"
	SessionStatusCompleted  = "completed"
	SessionStatusFailed     = "failed"
)

// Session is one submitted conversion job: a directory of parquet files (or a
// single file) split into hash shards.
type Session struct {
	ID            string     `json:"session_id"`
	SourcePath    string     `json:"source_path"`
	FromDialect   string     `json:"from_dialect"`
	ToDialect     string     `json:"to_dialect"`
	TotalFiles    int        `json:"total_files"`
	TotalQueries  int64      `json:"total_queries"`
	UniqueQueries int64      `json:"unique_queries"`
	TotalShards   int        `json:"total_shards"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	FileStats     []FileStat `json:"file_stats"`
}

// FileStat holds the pre-scan statistics for one input file.
type FileStat struct {
	FilePath        string  `json:"file_path"`
	FileName        string  `json:"file_name"`
	TotalRows       int64   `json:"total_rows"`
	UniqueQueries   int64   `json:"unique_queries"`
	Shards          int     `json:"shards"`
	QueriesPerShard int64   `json:"queries_per_shard"`
	ScanTimeSeconds float64 `json:"scan_time_seconds"`
}

// Progress is the per-session shard counter aggregate. The four counters
// always sum to the session's total shard count.
type Progress struct {
	TotalShards          int     `json:"total_shards"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	Processing           int64   `json:"processing"`
	Pending              int64   `json:"pending"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// Performance carries timing estimates derived from completed shard counts.
type Performance struct {
	ElapsedSeconds            float64 `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
	ShardsPerSecond           float64 `json:"shards_per_second"`
}

// SessionStatus is the aggregate view returned to polling clients.
type SessionStatus struct {
	SessionID     string      `json:"session_id"`
	SourcePath    string      `json:"source_path"`
	FromDialect   string      `json:"from_dialect"`
	ToDialect     string      `json:"to_dialect"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	TotalFiles    int         `json:"total_files"`
	TotalQueries  int64       `json:"total_queries"`
	UniqueQueries int64       `json:"unique_queries"`
	FileStats     []FileStat  `json:"file_stats"`
	Progress      Progress    `json:"progress"`
	Performance   Performance `json:"performance"`
}
