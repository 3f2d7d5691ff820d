package zarr

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

const BlobStoreType = "BlobStore"

// BlobStore keeps keys in a cloud (or local file) bucket opened through the
// gocloud blob URL openers, e.g. "gs://bucket", "s3://bucket?region=us-east-1",
// "file:///data/images" or "mem://".
type BlobStore struct {
	ctx    context.Context
	url    string
	bucket *blob.Bucket
}

var _ Store = (*BlobStore)(nil)

// OpenBlobStore opens the bucket at url. ctx is used for every subsequent
// store operation.
func OpenBlobStore(ctx context.Context, url string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", url, err)
	}
	return NewBlobStore(ctx, url, bucket), nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(ctx context.Context, url string, bucket *blob.Bucket) *BlobStore {
	return &BlobStore{ctx: ctx, url: url, bucket: bucket}
}

func (s *BlobStore) Type() string { return BlobStoreType }

func (s *BlobStore) Get(key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(s.ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotfound, key)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *BlobStore) Put(key string, val io.Reader) error {
	w, err := s.bucket.NewWriter(s.ctx, key, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, val); err != nil {
		w.Close()
		return fmt.Errorf("writing %q to %s: %w", key, s.url, err)
	}
	return w.Close()
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
