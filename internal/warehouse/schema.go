// Package warehouse implements the shared append-only result table: parquet
// data files in object storage plus a snapshot-versioned catalog that records
// which files belong to the table. Appends from concurrent workers are
// serialized by a distributed lock and reconciled by optimistic retry on
// catalog commit conflicts.
package warehouse

import "time"

const (
	RowStatusSuccess = "success"
	RowStatusFailed  = "failed"

	ExecutableYes = "YES"
	ExecutableNo  = "NO"
)

// ResultRow is one transpiled-query outcome. Rows are immutable once appended;
// there is no update or delete path.
type ResultRow struct {
	QueryID              int64     `parquet:"query_id" json:"query_id"`
	BatchID              string    `parquet:"batch_id" json:"batch_id"`
	Timestamp            time.Time `parquet:"timestamp,timestamp(microsecond)" json:"timestamp"`
	Status               string    `parquet:"status" json:"status"`
	Executable           string    `parquet:"executable" json:"executable"`
	FromDialect          string    `parquet:"from_dialect" json:"from_dialect"`
	ToDialect            string    `parquet:"to_dialect" json:"to_dialect"`
	OriginalQuery        string    `parquet:"original_query" json:"original_query"`
	ConvertedQuery       string    `parquet:"converted_query" json:"converted_query"`
	SupportedFunctions   []string  `parquet:"supported_functions,list" json:"supported_functions"`
	UnsupportedFunctions []string  `parquet:"unsupported_functions,list" json:"unsupported_functions"`
	UDFList              []string  `parquet:"udf_list,list" json:"udf_list"`
	TablesList           []string  `parquet:"tables_list,list" json:"tables_list"`
	ProcessingTimeMs     int64     `parquet:"processing_time_ms" json:"processing_time_ms"`
	ErrorMessage         string    `parquet:"error_message" json:"error_message"`
}
