package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// S3 выдаёт подписанные ссылки на медиа в объектном хранилище.
type S3 struct {
	client *minio.Client
	bucket string
}

var _ domain.ObjectStorage = (*S3)(nil)

// NewS3 создаёт клиента хранилища.
func NewS3(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: init client: %w", err)
	}
	return &S3{client: client, bucket: bucket}, nil
}

// Put сохраняет объект в бакет.
func (s *S3) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	metrics.ObserveNetworkRequest("s3", "put_object", s.bucket, start, err)
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

// PresignGet возвращает подписанную GET-ссылку на объект.
func (s *S3) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	start := time.Now()
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	metrics.ObserveNetworkRequest("s3", "presign_get", s.bucket, start, err)
	if err != nil {
		return "", fmt.Errorf("s3: presign: %w", err)
	}
	return u.String(), nil
}
