package payload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/CosmoTheDev/scanorch/internal/config"
)

// MinIO stores payloads in an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the endpoint and makes sure the bucket exists.
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio payload store needs endpoint and bucket")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created payload bucket", "bucket", cfg.Bucket)
	}
	return &MinIO{client: cli, bucket: cfg.Bucket}, nil
}

func (s *MinIO) Put(ctx context.Context, key, data string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, strings.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("uploading payload %s: %w", key, err)
	}
	return key, nil
}

func (s *MinIO) Get(ctx context.Context, ref string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("fetching payload %s: %w", ref, err)
	}
	defer obj.Close() //nolint:errcheck

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return "", fmt.Errorf("payload %s: %w", ref, ErrNotFound)
		}
		return "", fmt.Errorf("reading payload %s: %w", ref, err)
	}
	return string(data), nil
}

// Delete removes the object. A missing object is not an error.
func (s *MinIO) Delete(ctx context.Context, ref string) error {
	err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("removing payload %s: %w", ref, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
