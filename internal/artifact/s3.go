package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements Store using an S3-compatible backend.
// Objects are stored under {prefix}/{id[:2]}/{id} with the content digest in
// object metadata.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// S3Options configures NewS3Store.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Store loads the default AWS credential chain and returns an S3Store.
// A non-empty Endpoint switches to path-style addressing for S3-compatible
// servers such as MinIO.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, opts.Bucket, opts.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(id uuid.UUID) string {
	return objectName(s.prefix, id)
}

func (s *S3Store) Put(ctx context.Context, id uuid.UUID, data []byte) (Object, error) {
	key := s.key(id)
	obj := Object{Key: "s3://" + s.bucket + "/" + key, Checksum: Digest(data), SizeBytes: int64(len(data))}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if head.Metadata[digestMetadataKey] != obj.Checksum {
			return Object{}, fmt.Errorf("%w: content mismatch for artifact %s", ErrStorage, id)
		}
		return obj, nil
	}
	if !isS3NotFound(err) {
		return Object{}, fmt.Errorf("%w: head %s: %v", ErrStorage, key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(obj.SizeBytes),
		Metadata: map[string]string{
			digestMetadataKey: obj.Checksum,
			"size":            strconv.FormatInt(obj.SizeBytes, 10),
		},
	})
	if err != nil {
		return Object{}, fmt.Errorf("%w: put %s: %v", ErrStorage, key, err)
	}

	return obj, nil
}

func (s *S3Store) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	key := s.key(id)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, key, err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, id uuid.UUID) error {
	key := s.key(id)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, key, err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
