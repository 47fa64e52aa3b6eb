package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the blob-store surface the relay needs: write bytes at a
// key, get back a retrievable URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	PutFile(ctx context.Context, key, path, contentType string) (string, error)
}

type MinioStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

type MinioOptions struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Secure        bool
	Bucket        string
	PublicBaseURL string
}

func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	c, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{
		client:        c,
		bucket:        opts.Bucket,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
	}, nil
}

// Put streams r into the bucket. size may be -1 when unknown; minio switches
// to multipart upload in that case.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return s.publicURL(key), nil
}

func (s *MinioStore) PutFile(ctx context.Context, key, path, contentType string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return s.publicURL(key), nil
}

func (s *MinioStore) publicURL(key string) string {
	return s.publicBaseURL + "/" + key
}
