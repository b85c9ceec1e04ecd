package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 archives into an S3 compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// NewS3 connects to the endpoint and creates the bucket when missing.
func NewS3(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		log.Info("created archive bucket", slog.String("bucket", cfg.Bucket))
	}
	return &S3{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (s *S3) Store(ctx context.Context, key, path string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType:  "audio/wav",
		UserMetadata: map[string]string{"uploaded-at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}
	s.log.Debug("sample archived", slog.String("bucket", s.bucket), slog.String("key", key))
	return nil
}
