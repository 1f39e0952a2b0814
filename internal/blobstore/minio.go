package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/medscribe/medscribe/internal/config"
	"github.com/medscribe/medscribe/internal/model"
)

// MinioStore keeps chunk and artifact objects in a single MinIO/S3 bucket.
// Objects are keyed {recording_id}/{chunk_id} and
// {recording_id}/combined.{gen}.mp3.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinio creates a MinIO client from the Config.
func NewMinio(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.AudioBucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the audio bucket exists. Called once at startup;
// never on the ingest path.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		// A concurrent worker may have created it between the check and here.
		if err != nil {
			if exists, checkErr := s.client.BucketExists(ctx, s.bucket); checkErr == nil && exists {
				return nil
			}
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads data under key and returns the stable ref (the key itself).
func (s *MinioStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", classify("put object", err)
	}
	return key, nil
}

// Get fetches the object bytes for ref.
func (s *MinioStore) Get(ctx context.Context, ref string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get object", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("read object", err)
	}
	return buf, nil
}

// Delete removes the object for ref. Missing objects are not an error so
// cascade deletes stay idempotent.
func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return classify("remove object", err)
	}
	return nil
}

// classify separates permanent faults (surfaced as model.ErrStorageFault so
// the recording moves to failed) from transient ones, which callers retry.
func classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s: %w: %s", op, model.ErrNotFound, resp.Code)
	case "AccessDenied", "QuotaExceeded", "InvalidBucketName", "EntityTooLarge", "XMinioInvalidObjectName":
		return fmt.Errorf("%s: %w: %s", op, model.ErrStorageFault, resp.Code)
	}
	return fmt.Errorf("%s: %w", op, err)
}
