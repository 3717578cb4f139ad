package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// gcsBucket abstracts a GCS bucket handle for testability.
type gcsBucket interface {
	Object(name string) gcsObject
}

// gcsObject abstracts a GCS object handle.
type gcsObject interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context, metadata map[string]string) io.WriteCloser
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	Delete(ctx context.Context) error
}

type realBucket struct{ bh *storage.BucketHandle }

func (r *realBucket) Object(name string) gcsObject {
	return &realObject{r.bh.Object(name)}
}

type realObject struct{ oh *storage.ObjectHandle }

func (r *realObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return r.oh.NewReader(ctx)
}

func (r *realObject) NewWriter(ctx context.Context, metadata map[string]string) io.WriteCloser {
	w := r.oh.NewWriter(ctx)
	w.Metadata = metadata
	return w
}

func (r *realObject) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return r.oh.Attrs(ctx)
}

func (r *realObject) Delete(ctx context.Context) error { return r.oh.Delete(ctx) }

// GCSStore implements Store using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket gcsBucket
	name   string
	prefix string
}

// GCSOptions configures NewGCSStore.
type GCSOptions struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// NewGCSStore creates a GCS client using application default credentials, or
// the given service account file when set.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithAuthCredentialsFile(option.ServiceAccount, opts.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: &realBucket{client.Bucket(opts.Bucket)},
		name:   opts.Bucket,
		prefix: opts.Prefix,
	}, nil
}

func (g *GCSStore) Put(ctx context.Context, id uuid.UUID, data []byte) (Object, error) {
	key := objectName(g.prefix, id)
	obj := Object{Key: "gs://" + g.name + "/" + key, Checksum: Digest(data), SizeBytes: int64(len(data))}
	handle := g.bucket.Object(key)

	attrs, err := handle.Attrs(ctx)
	if err == nil {
		if attrs.Metadata[digestMetadataKey] != obj.Checksum {
			return Object{}, fmt.Errorf("%w: content mismatch for artifact %s", ErrStorage, id)
		}
		return obj, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, fmt.Errorf("%w: attrs %s: %v", ErrStorage, key, err)
	}

	w := handle.NewWriter(ctx, map[string]string{digestMetadataKey: obj.Checksum})
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("%w: write %s: %v", ErrStorage, key, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("%w: close writer %s: %v", ErrStorage, key, err)
	}

	return obj, nil
}

func (g *GCSStore) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	key := objectName(g.prefix, id)

	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, key, err)
	}
	return data, nil
}

func (g *GCSStore) Delete(ctx context.Context, id uuid.UUID) error {
	key := objectName(g.prefix, id)

	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, key, err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("closing GCS client: %w", err)
	}
	return nil
}
