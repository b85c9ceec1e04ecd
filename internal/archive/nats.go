package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
)

// ObjectStore archives into a JetStream object store bucket.
type ObjectStore struct {
	bucket string
	store  nats.ObjectStore
	log    *slog.Logger
}

// NewObjectStore creates the bucket, or binds to it when it already exists.
func NewObjectStore(js nats.JetStreamContext, bucket string, log *slog.Logger) (*ObjectStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Reference voice samples",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		existing, bindErr := js.ObjectStore(bucket)
		if bindErr != nil {
			return nil, fmt.Errorf("open object store bucket %q: %w", bucket, errors.Join(err, bindErr))
		}
		store = existing
	}
	return &ObjectStore{bucket: bucket, store: store, log: log}, nil
}

func (o *ObjectStore) Store(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := o.store.Put(&nats.ObjectMeta{Name: key}, file, nats.Context(ctx)); err != nil {
		return fmt.Errorf("put %q into bucket %q: %w", key, o.bucket, err)
	}
	o.log.Debug("sample archived", slog.String("bucket", o.bucket), slog.String("key", key))
	return nil
}

// Fetch returns a stored object. It backs restores and tests.
func (o *ObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := o.store.GetBytes(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get %q from bucket %q: %w", key, o.bucket, err)
	}
	return data, nil
}
