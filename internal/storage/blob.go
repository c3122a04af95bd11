package storage

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// BlobStore writes data files to an object store bucket through the portable
// blob API, so S3-compatible stores and GCS share one code path.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

func NewBlobStore(bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(context.Background(), bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobStore{bucket: bucket, bucketURL: bucketURL, prefix: prefix}, nil
}

func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, s.prefix+key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, s.prefix+key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *BlobStore) URI(key string) string {
	return s.bucketURL + "/" + s.prefix + key
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
