package warehouse

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// PostgresCatalog implements Catalog over the shared Postgres catalog
// database. Schema is managed by the goose migrations in internal/migration.
type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) EnsureTable(ctx context.Context, table string) (Snapshot, error) {
	query := `
		INSERT INTO warehouse.table_snapshots (table_name, version)
		VALUES ($1, 0)
		ON CONFLICT (table_name) DO UPDATE SET table_name = EXCLUDED.table_name
		RETURNING version
	`
	var version int64
	if err := c.db.QueryRowContext(ctx, query, table).Scan(&version); err != nil {
		return Snapshot{}, errors.Wrapf(err, "ensure table %s", table)
	}
	return Snapshot{Table: table, Version: version}, nil
}

func (c *PostgresCatalog) LoadSnapshot(ctx context.Context, table string) (Snapshot, error) {
	var version int64
	err := c.db.QueryRowContext(ctx,
		`SELECT version FROM warehouse.table_snapshots WHERE table_name = $1`,
		table,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return Snapshot{}, errors.Wrap(ErrTableNotFound, table)
	}
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "load snapshot for %s", table)
	}
	return Snapshot{Table: table, Version: version}, nil
}

func (c *PostgresCatalog) CommitFile(ctx context.Context, file DataFile, expected Snapshot) (Snapshot, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "begin commit")
	}
	defer tx.Rollback()

	// Version CAS: this is where concurrent writers are detected. The lock
	// in front of the writer makes conflicts rare, not impossible.
	var newVersion int64
	err = tx.QueryRowContext(ctx, `
		UPDATE warehouse.table_snapshots
		SET version = version + 1, updated_at = NOW()
		WHERE table_name = $1 AND version = $2
		RETURNING version
	`, expected.Table, expected.Version).Scan(&newVersion)
	if err == sql.ErrNoRows {
		if _, loadErr := c.LoadSnapshot(ctx, expected.Table); loadErr != nil {
			return Snapshot{}, loadErr
		}
		return Snapshot{}, errors.Wrapf(ErrCommitConflict,
			"table %s moved past version %d", expected.Table, expected.Version)
	}
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "advance snapshot for %s", expected.Table)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO warehouse.data_files
			(table_name, batch_id, file_key, file_uri, row_count,
			 success_rows, failed_rows, executable_rows, snapshot_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, file.Table, file.BatchID, file.Key, file.URI, file.RowCount,
		file.SuccessRows, file.FailedRows, file.ExecutableRows, newVersion)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "record data file %s", file.Key)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, errors.Wrap(err, "commit data file")
	}
	return Snapshot{Table: expected.Table, Version: newVersion}, nil
}

func (c *PostgresCatalog) TableStats(ctx context.Context, table string) (*TableStats, error) {
	snap, err := c.LoadSnapshot(ctx, table)
	if err != nil {
		return nil, err
	}

	stats := &TableStats{Table: table, SnapshotVersion: snap.Version}
	var latest sql.NullTime
	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(row_count), 0),
		       COALESCE(SUM(success_rows), 0),
		       COALESCE(SUM(failed_rows), 0),
		       COALESCE(SUM(executable_rows), 0),
		       MAX(created_at)
		FROM warehouse.data_files
		WHERE table_name = $1
	`, table).Scan(&stats.TotalFiles, &stats.TotalRows, &stats.TotalSuccessful,
		&stats.TotalFailed, &stats.ExecutableRows, &latest)
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate stats for %s", table)
	}
	if latest.Valid {
		ts := latest.Time.UTC()
		stats.LatestCommit = &ts
	}
	return stats, nil
}

var _ Catalog = (*PostgresCatalog)(nil)
