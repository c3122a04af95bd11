// Package executor runs the per-task conversion work: read one shard of the
// input corpus, convert every query through the transpiler, and produce one
// result row per query.
package executor

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/models"
	"github.com/queryshift/queryshift/internal/source"
	"github.com/queryshift/queryshift/internal/transpile"
	"github.com/queryshift/queryshift/internal/warehouse"
)

// Result is the outcome of one task execution: the rows bound for the shared
// table plus the summary the task record carries.
type Result struct {
	Rows    []warehouse.ResultRow
	Summary models.TaskSummary
}

// Executor converts one shard of queries. Safe for concurrent use.
type Executor struct {
	transpiler transpile.Transpiler
	logger     zerolog.Logger
}

func New(transpiler transpile.Transpiler, logger zerolog.Logger) *Executor {
	return &Executor{transpiler: transpiler, logger: logger}
}

// Execute reads the task's shard and converts each query. Every query yields
// exactly one row whether conversion succeeds or not; only a failure to read
// the input file aborts the task.
func (e *Executor) Execute(ctx context.Context, task models.TaskDescriptor) (*Result, error) {
	start := time.Now()
	shard, err := source.ReadShard(task.FilePath, task.QueryColumn, task.Remainder, task.TotalShards)
	if err != nil {
		return nil, err
	}

	// Stable processing order keeps redeliveries comparable.
	hashes := make([]uint32, 0, len(shard))
	for h := range shard {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	batchID := task.BatchID()
	result := &Result{
		Rows: make([]warehouse.ResultRow, 0, len(shard)),
		Summary: models.TaskSummary{
			BatchID:     batchID,
			FileName:    filepath.Base(task.FilePath),
			Remainder:   task.Remainder,
			TotalShards: task.TotalShards,
		},
	}
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := e.convertOne(ctx, task, batchID, h, shard[h])
		if row.Status == warehouse.RowStatusSuccess {
			result.Summary.SuccessfulQueries++
		} else {
			result.Summary.FailedQueries++
		}
		if row.Executable == warehouse.ExecutableYes {
			result.Summary.ExecutableQueries++
		}
		result.Rows = append(result.Rows, row)
	}
	result.Summary.UniqueQueries = len(result.Rows)
	result.Summary.RowsStored = len(result.Rows)
	result.Summary.ProcessingSeconds = time.Since(start).Seconds()

	e.logger.Info().
		Str("batch_id", batchID).
		Int("queries", result.Summary.UniqueQueries).
		Int("succeeded", result.Summary.SuccessfulQueries).
		Int("failed", result.Summary.FailedQueries).
		Msg("Shard conversion finished")
	return result, nil
}

func (e *Executor) convertOne(ctx context.Context, task models.TaskDescriptor, batchID string, hash uint32, query string) warehouse.ResultRow {
	row := warehouse.ResultRow{
		QueryID:       int64(hash),
		BatchID:       batchID,
		Timestamp:     time.Now().UTC(),
		FromDialect:   task.FromDialect,
		ToDialect:     task.ToDialect,
		OriginalQuery: query,
		Executable:    warehouse.ExecutableNo,
	}

	start := time.Now()
	converted, err := e.transpiler.Transpile(ctx, query, task.FromDialect, task.ToDialect)
	row.ProcessingTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		row.Status = warehouse.RowStatusFailed
		row.ErrorMessage = err.Error()
		e.logger.Debug().Err(err).Uint32("query_hash", hash).Msg("Conversion failed")
		return row
	}

	row.ConvertedQuery = converted.ConvertedQuery
	row.SupportedFunctions = converted.SupportedFunctions
	row.UnsupportedFunctions = converted.UnsupportedFunctions
	row.UDFList = converted.UDFList
	row.TablesList = converted.TablesList

	if converted.Executable {
		row.Status = warehouse.RowStatusSuccess
		row.Executable = warehouse.ExecutableYes
	} else {
		// Conversion worked but produced a query the target cannot run,
		// usually because of unsupported functions.
		row.Status = warehouse.RowStatusFailed
		row.ErrorMessage = unexecutableMessage(converted)
	}
	return row
}

func unexecutableMessage(r transpile.Result) string {
	if len(r.UnsupportedFunctions) > 0 {
		return "query not executable on target dialect, unsupported functions: " +
			strings.Join(r.UnsupportedFunctions, ", ")
	}
	return "query not executable on target dialect"
}
