package warehouse

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrCommitConflict reports that the table's snapshot version moved between
// load and commit: another writer committed first. It is the retryable class
// of append failure; everything else is fatal to the attempt.
var ErrCommitConflict = errors.New("warehouse: snapshot version conflict")

// ErrTableNotFound reports an unknown table name.
var ErrTableNotFound = errors.New("warehouse: table not found")

// IsConflict reports whether err is a retryable commit conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCommitConflict)
}

// Snapshot identifies a committed version of a table.
type Snapshot struct {
	Table   string
	Version int64
}

// DataFile describes one immutable parquet file committed into a table.
type DataFile struct {
	Table           string
	BatchID         string
	Key             string
	URI             string
	RowCount        int64
	SuccessRows     int64
	FailedRows      int64
	ExecutableRows  int64
	SnapshotVersion int64
	CreatedAt       time.Time
}

// TableStats is the aggregate over all committed files of one table.
type TableStats struct {
	Table           string     `json:"table"`
	SnapshotVersion int64      `json:"snapshot_version"`
	TotalFiles      int64      `json:"total_files"`
	TotalRows       int64      `json:"total_rows"`
	TotalSuccessful int64      `json:"total_successful"`
	TotalFailed     int64      `json:"total_failed"`
	ExecutableRows  int64      `json:"executable_queries"`
	LatestCommit    *time.Time `json:"latest_commit,omitempty"`
}

// Catalog tracks table snapshots and their data files. Commit semantics are
// optimistic: a commit carries the snapshot version the writer loaded, and the
// catalog rejects it with ErrCommitConflict when the version has moved.
type Catalog interface {
	// EnsureTable registers the table at version 0 if it does not exist and
	// returns its current snapshot.
	EnsureTable(ctx context.Context, table string) (Snapshot, error)

	// LoadSnapshot returns the latest committed snapshot of the table.
	LoadSnapshot(ctx context.Context, table string) (Snapshot, error)

	// CommitFile atomically advances the table to expected.Version+1 and
	// records the data file under the new version. Returns
	// ErrCommitConflict when the table is no longer at expected.Version.
	CommitFile(ctx context.Context, file DataFile, expected Snapshot) (Snapshot, error)

	// TableStats aggregates row counts across all committed files.
	TableStats(ctx context.Context, table string) (*TableStats, error)
}
