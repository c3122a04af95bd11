package warehouse

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/lock"
	"github.com/queryshift/queryshift/internal/storage"
)

// ErrAppendFailed is returned when an append exhausts its retry budget.
// Appends are at-least-once: an ambiguous failure may leave a committed or
// orphaned data file behind, and duplicate rows after a retry are tolerated
// because the table has no primary key.
var ErrAppendFailed = errors.New("warehouse: append failed after retries")

// WriterConfig bounds the append retry loop.
type WriterConfig struct {
	Table          string
	LockTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Writer appends result batches to the shared table. One Writer is safe for
// use by a single worker goroutine; cross-worker coordination happens through
// the lock and the catalog, not through shared Writer state.
type Writer struct {
	catalog Catalog
	store   storage.ObjectStore
	locker  lock.Locker
	cfg     WriterConfig
	logger  zerolog.Logger

	sleep func(time.Duration)
}

func NewWriter(catalog Catalog, store storage.ObjectStore, locker lock.Locker, cfg WriterConfig, logger zerolog.Logger) *Writer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 60 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 10 * time.Second
	}
	return &Writer{
		catalog: catalog,
		store:   store,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Append writes all rows of one batch as a single parquet data file and
// commits it into the table. Lock-acquisition timeouts and snapshot commit
// conflicts are retried with exponential backoff up to the configured ceiling;
// any other error fails the append immediately.
func (w *Writer) Append(ctx context.Context, rows []ResultRow, batchID string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return 0, errors.Wrapf(err, "encode batch %s", batchID)
	}
	data := buf.Bytes()

	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := w.cfg.RetryBaseDelay * (1 << (attempt - 1))
			w.logger.Warn().
				Str("batch_id", batchID).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(lastErr).
				Msg("Retrying batch append")
			w.sleep(delay)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		guard, err := w.locker.Acquire(ctx, "append:"+batchID, w.cfg.LockTimeout)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				lastErr = err
				continue
			}
			return 0, errors.Wrapf(err, "acquire append lock for %s", batchID)
		}

		err = w.commit(ctx, rows, data, batchID)
		if releaseErr := w.locker.Release(ctx, guard); releaseErr != nil {
			w.logger.Warn().Err(releaseErr).Str("batch_id", batchID).Msg("Lock release failed")
		}
		if err == nil {
			return len(rows), nil
		}
		if !IsConflict(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, errors.Wrapf(ErrAppendFailed, "batch %s: %v", batchID, lastErr)
}

// commit loads the latest snapshot, writes the data file and records it at
// the next version. The snapshot reload on every attempt is what makes the
// conflict retry converge.
func (w *Writer) commit(ctx context.Context, rows []ResultRow, data []byte, batchID string) error {
	snap, err := w.catalog.LoadSnapshot(ctx, w.cfg.Table)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s/batch=%s/part-%s.parquet", w.cfg.Table, batchID, uuid.NewString()[:8])
	if err := w.store.Write(ctx, key, data); err != nil {
		return errors.Wrapf(err, "write data file for batch %s", batchID)
	}

	file := DataFile{
		Table:    w.cfg.Table,
		BatchID:  batchID,
		Key:      key,
		URI:      w.store.URI(key),
		RowCount: int64(len(rows)),
	}
	for _, r := range rows {
		switch r.Status {
		case RowStatusSuccess:
			file.SuccessRows++
		case RowStatusFailed:
			file.FailedRows++
		}
		if r.Executable == ExecutableYes {
			file.ExecutableRows++
		}
	}

	newSnap, err := w.catalog.CommitFile(ctx, file, snap)
	if err != nil {
		return err
	}

	w.logger.Info().
		Str("batch_id", batchID).
		Int("rows", len(rows)).
		Int64("snapshot_version", newSnap.Version).
		Str("file", key).
		Msg("Batch committed to warehouse")
	return nil
}
