// Package source reads the input query corpus: parquet files with a
// configurable query column. Workers never materialize a whole file's queries;
// they stream the column and keep only the rows of their shard.
package source

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/queryshift/queryshift/internal/partition"
)

// Stats is the result of pre-scanning one input file.
type Stats struct {
	FilePath        string
	FileName        string
	TotalRows       int64
	UniqueQueries   int64
	SuggestedShards int
	QueriesPerShard int64
	ScanTime        time.Duration
}

// ScanStats counts the total and unique queries of a file and derives the
// shard count that keeps roughly targetShardSize unique queries per shard.
// Uniqueness is judged by the partitioning hash, the same identity the shards
// themselves use.
func ScanStats(path, column string, targetShardSize int) (Stats, error) {
	start := time.Now()
	if targetShardSize <= 0 {
		targetShardSize = 10000
	}

	seen := make(map[uint32]struct{})
	total, err := forEachQuery(path, column, func(q string) {
		seen[partition.Hash(q)] = struct{}{}
	})
	if err != nil {
		return Stats{}, err
	}

	unique := int64(len(seen))
	shards := int(unique) / targetShardSize
	if shards < 1 {
		shards = 1
	}
	perShard := unique / int64(shards)

	return Stats{
		FilePath:        path,
		FileName:        filepath.Base(path),
		TotalRows:       total,
		UniqueQueries:   unique,
		SuggestedShards: shards,
		QueriesPerShard: perShard,
		ScanTime:        time.Since(start),
	}, nil
}

// ReadShard returns the deduplicated queries of one shard, keyed by the
// partitioning hash. Duplicate rows that hash to the same value collapse into
// one entry, which is the point of the modulo batching scheme.
func ReadShard(path, column string, remainder, totalShards int) (map[uint32]string, error) {
	if totalShards < 1 {
		return nil, errors.Errorf("total shards must be positive, got %d", totalShards)
	}
	if remainder < 0 || remainder >= totalShards {
		return nil, errors.Errorf("remainder %d out of range [0,%d)", remainder, totalShards)
	}

	shard := make(map[uint32]string)
	_, err := forEachQuery(path, column, func(q string) {
		h := partition.Hash(q)
		if int(h%uint32(totalShards)) == remainder {
			shard[h] = q
		}
	})
	if err != nil {
		return nil, err
	}
	return shard, nil
}

// forEachQuery streams the non-empty values of the query column, returning the
// number of rows visited.
func forEachQuery(path, column string, fn func(string)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, errors.Wrapf(err, "parse parquet %s", path)
	}

	col, ok := pf.Schema().Lookup(column)
	if !ok {
		return 0, errors.Errorf("column %q not found in %s", column, path)
	}

	var total int64
	for _, rowGroup := range pf.RowGroups() {
		pages := rowGroup.ColumnChunks()[col.ColumnIndex].Pages()
		err := func() error {
			defer pages.Close()
			buf := make([]parquet.Value, 1024)
			for {
				page, err := pages.ReadPage()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return errors.Wrapf(err, "read page from %s", path)
				}
				reader := page.Values()
				for {
					n, err := reader.ReadValues(buf)
					for _, v := range buf[:n] {
						if v.IsNull() {
							continue
						}
						q := v.String()
						if q == "" {
							continue
						}
						total++
						fn(q)
					}
					if err == io.EOF {
						break
					}
					if err != nil {
						return errors.Wrapf(err, "read values from %s", path)
					}
					if n == 0 {
						break
					}
				}
			}
		}()
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ListParquetFiles expands a path into the parquet files it contains: the file
// itself, or the *.parquet entries of a directory.
func ListParquetFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if !info.IsDir() {
		if filepath.Ext(path) != ".parquet" {
			return nil, errors.Errorf("%s is not a parquet file", path)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.parquet"))
	if err != nil {
		return nil, errors.Wrapf(err, "glob %s", path)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, err
		}
		files = append(files, abs)
	}
	return files, nil
}
