package warehouse

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/queryshift/queryshift/internal/lock"
)

// fakeCatalog implements Catalog in memory and can inject commit conflicts.
type fakeCatalog struct {
	mu        sync.Mutex
	version   int64
	files     []DataFile
	conflicts int // number of commits to reject before succeeding
	commitErr error
}

func (c *fakeCatalog) EnsureTable(_ context.Context, table string) (Snapshot, error) {
	return Snapshot{Table: table, Version: c.version}, nil
}

func (c *fakeCatalog) LoadSnapshot(_ context.Context, table string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Table: table, Version: c.version}, nil
}

func (c *fakeCatalog) CommitFile(_ context.Context, file DataFile, expected Snapshot) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return Snapshot{}, c.commitErr
	}
	if c.conflicts > 0 {
		c.conflicts--
		c.version++ // another writer got there first
		return Snapshot{}, errors.Wrap(ErrCommitConflict, "injected")
	}
	if expected.Version != c.version {
		return Snapshot{}, errors.Wrap(ErrCommitConflict, "stale snapshot")
	}
	c.version++
	file.SnapshotVersion = c.version
	c.files = append(c.files, file)
	return Snapshot{Table: expected.Table, Version: c.version}, nil
}

func (c *fakeCatalog) TableStats(_ context.Context, table string) (*TableStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := &TableStats{Table: table, SnapshotVersion: c.version}
	for _, f := range c.files {
		stats.TotalFiles++
		stats.TotalRows += f.RowCount
		stats.TotalSuccessful += f.SuccessRows
		stats.TotalFailed += f.FailedRows
		stats.ExecutableRows += f.ExecutableRows
	}
	return stats, nil
}

// memStore implements storage.ObjectStore in memory.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Write(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.Errorf("missing object %s", key)
	}
	return data, nil
}

func (s *memStore) URI(key string) string { return "mem://" + key }
func (s *memStore) Close() error          { return nil }

func newTestWriter(catalog *fakeCatalog, store *memStore) (*Writer, *[]time.Duration) {
	w := NewWriter(catalog, store, lock.NewLocalLocker(), WriterConfig{
		Table:          "batch_statistics",
		LockTimeout:    time.Second,
		MaxRetries:     5,
		RetryBaseDelay: 10 * time.Millisecond,
	}, zerolog.Nop())
	var delays []time.Duration
	w.sleep = func(d time.Duration) { delays = append(delays, d) }
	return w, &delays
}

func sampleRows(batchID string, n int) []ResultRow {
	rows := make([]ResultRow, 0, n)
	for i := 0; i < n; i++ {
		status := RowStatusSuccess
		executable := ExecutableYes
		if i%5 == 4 {
			status = RowStatusFailed
			executable = ExecutableNo
		}
		rows = append(rows, ResultRow{
			QueryID:            int64(i + 1),
			BatchID:            batchID,
			Timestamp:          time.Now().UTC(),
			Status:             status,
			Executable:         executable,
			FromDialect:        "databricks",
			ToDialect:          "e6",
			OriginalQuery:      "SELECT 1",
			ConvertedQuery:     "SELECT 1",
			SupportedFunctions: []string{"SUM"},
			TablesList:         []string{"t"},
			ProcessingTimeMs:   3,
		})
	}
	return rows
}

func TestAppendWritesBatch(t *testing.T) {
	catalog := &fakeCatalog{}
	store := newMemStore()
	w, _ := newTestWriter(catalog, store)

	rows := sampleRows("s1_batch_0", 10)
	n, err := w.Append(context.Background(), rows, "s1_batch_0")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != 10 {
		t.Fatalf("wrote %d rows, want 10", n)
	}
	if len(catalog.files) != 1 {
		t.Fatalf("committed %d files, want 1", len(catalog.files))
	}
	f := catalog.files[0]
	if f.RowCount != 10 || f.SuccessRows != 8 || f.FailedRows != 2 || f.ExecutableRows != 8 {
		t.Fatalf("file counts: %+v", f)
	}
	if f.SnapshotVersion != 1 {
		t.Fatalf("snapshot version = %d, want 1", f.SnapshotVersion)
	}

	// The committed object must decode back to the same rows.
	data, err := store.Read(context.Background(), f.Key)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	decoded, err := parquet.Read[ResultRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("decode parquet: %v", err)
	}
	if len(decoded) != len(rows) {
		t.Fatalf("decoded %d rows, want %d", len(decoded), len(rows))
	}
	if decoded[0].OriginalQuery != "SELECT 1" || decoded[0].BatchID != "s1_batch_0" {
		t.Fatalf("decoded row mismatch: %+v", decoded[0])
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	w, _ := newTestWriter(&fakeCatalog{}, newMemStore())
	n, err := w.Append(context.Background(), nil, "s1_batch_0")
	if err != nil || n != 0 {
		t.Fatalf("empty append: n=%d err=%v", n, err)
	}
}

func TestAppendRetriesOnConflict(t *testing.T) {
	catalog := &fakeCatalog{conflicts: 1}
	store := newMemStore()
	w, delays := newTestWriter(catalog, store)

	n, err := w.Append(context.Background(), sampleRows("s1_batch_1", 6), "s1_batch_1")
	if err != nil {
		t.Fatalf("append after one conflict: %v", err)
	}
	if n != 6 {
		t.Fatalf("wrote %d rows, want 6", n)
	}
	if len(*delays) != 1 {
		t.Fatalf("expected one backoff, got %v", *delays)
	}
	if len(catalog.files) != 1 {
		t.Fatalf("committed %d files, want 1", len(catalog.files))
	}
}

func TestAppendBackoffGrowsExponentially(t *testing.T) {
	catalog := &fakeCatalog{conflicts: 3}
	w, delays := newTestWriter(catalog, newMemStore())

	if _, err := w.Append(context.Background(), sampleRows("s1_batch_2", 2), "s1_batch_2"); err != nil {
		t.Fatalf("append: %v", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("delays: %v", *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestAppendExhaustsRetries(t *testing.T) {
	catalog := &fakeCatalog{conflicts: 100}
	w, _ := newTestWriter(catalog, newMemStore())

	_, err := w.Append(context.Background(), sampleRows("s1_batch_3", 2), "s1_batch_3")
	if !errors.Is(err, ErrAppendFailed) {
		t.Fatalf("expected ErrAppendFailed, got %v", err)
	}
}

func TestAppendFatalErrorNotRetried(t *testing.T) {
	catalog := &fakeCatalog{commitErr: errors.New("disk on fire")}
	w, delays := newTestWriter(catalog, newMemStore())

	_, err := w.Append(context.Background(), sampleRows("s1_batch_4", 2), "s1_batch_4")
	if err == nil || errors.Is(err, ErrAppendFailed) {
		t.Fatalf("expected immediate fatal error, got %v", err)
	}
	if len(*delays) != 0 {
		t.Fatalf("fatal error should not back off, got %v", *delays)
	}
}

func TestConcurrentAppendsAllCommit(t *testing.T) {
	catalog := &fakeCatalog{}
	store := newMemStore()
	locker := lock.NewLocalLocker()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := NewWriter(catalog, store, locker, WriterConfig{
				Table:          "batch_statistics",
				LockTimeout:    time.Second,
				MaxRetries:     10,
				RetryBaseDelay: time.Millisecond,
			}, zerolog.Nop())
			w.sleep = func(time.Duration) {}
			batch := []string{"a", "b", "c", "d"}[i]
			if _, err := w.Append(context.Background(), sampleRows("s1_batch_"+batch, 3), "s1_batch_"+batch); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}
	if len(catalog.files) != 4 {
		t.Fatalf("committed %d files, want 4", len(catalog.files))
	}
	if catalog.version != 4 {
		t.Fatalf("snapshot version = %d, want 4", catalog.version)
	}
}
