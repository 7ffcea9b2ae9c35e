package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/fpmatch/internal/config"
)

const templateContentType = "application/octet-stream"

// ErrObjectNotFound is returned when the archive has no object at the key.
var ErrObjectNotFound = errors.New("archived object not found")

// MinIOStore archives raw template blobs: registered templates under
// templates/<id>.bin and unmatched probes under probes/<date>/<uuid>.bin.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// TemplateKey is the object key of a registered template.
func TemplateKey(id int64) string {
	return "templates/" + strconv.FormatInt(id, 10) + ".bin"
}

// ProbeKey is the object key of an archived probe captured at t.
func ProbeKey(t time.Time, id uuid.UUID) string {
	return "probes/" + t.UTC().Format("2006-01-02") + "/" + id.String() + ".bin"
}

// PutTemplate archives a registered template, replacing any previous copy.
func (s *MinIOStore) PutTemplate(ctx context.Context, id int64, template []byte) (string, error) {
	key := TemplateKey(id)
	return key, s.putObject(ctx, key, template)
}

// PutProbe archives a probe that did not match.
func (s *MinIOStore) PutProbe(ctx context.Context, template []byte) (string, error) {
	key := ProbeKey(time.Now(), uuid.New())
	return key, s.putObject(ctx, key, template)
}

// GetTemplate returns the archived copy of a registered template, or
// ErrObjectNotFound when none was archived.
func (s *MinIOStore) GetTemplate(ctx context.Context, id int64) ([]byte, error) {
	return s.getObject(ctx, TemplateKey(id))
}

func (s *MinIOStore) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: templateContentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *MinIOStore) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, objectErr(err))
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, objectErr(err))
	}
	return data, nil
}

func objectErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrObjectNotFound
	}
	return err
}

// Ping checks MinIO connectivity.
func (s *MinIOStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
