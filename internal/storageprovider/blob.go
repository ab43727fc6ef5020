package storageprovider

import (
	"context"
	"errors"
	"io"

	"gocloud.dev/blob"
	// Bucket URL schemes usable from configuration.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/perftrace/perftrace/internal/storageutil"
)

// Blob implements the storageutil.ObjectHandler interface on a portable
// bucket, so the same code serves local files, memory and GCS.
type Blob struct {
	Bucket *blob.Bucket
}

// Open opens a bucket from its URL, e.g. file:///var/lib/perftrace/traces.
func Open(ctx context.Context, bucketURL string) (*Blob, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &Blob{Bucket: bucket}, nil
}

// Put writes an object to the bucket with name being the path.
func (b *Blob) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	return b.Bucket.NewWriter(ctx, name, nil)
}

// Get reads an object from the bucket. If the name was not found, it
// returns storageutil.ErrObjectNotFound.
func (b *Blob) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	r, err := b.Bucket.NewReader(ctx, name, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	return r, nil
}

// Close releases the underlying bucket.
func (b *Blob) Close() error {
	if b.Bucket == nil {
		return nil
	}
	err := b.Bucket.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
