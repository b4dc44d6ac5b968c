package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/tether/internal/config"
)

// s3Client defines the minimal minio.Client operations used by S3Adapter.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

// S3Adapter stores one JSON object per record in an S3-compatible bucket.
// Object keys follow {prefix}{table}/{id}.json, so a PUT is naturally an
// idempotent upsert and a DELETE of a missing key is success.
type S3Adapter struct {
	client s3Client
	bucket string
	prefix string
}

// NewS3Adapter creates an S3Adapter from configuration.
func NewS3Adapter(cfg config.S3RemoteConfig) (*S3Adapter, error) {
	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upsert writes the record payload as a JSON object.
func (a *S3Adapter) Upsert(ctx context.Context, table, id string, payload json.RawMessage) error {
	key := a.objectKey(table, id)
	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return classifyMinio(fmt.Errorf("upsert %s/%s: %w", table, id, err), err)
	}
	return nil
}

// Delete removes the record object. A missing key counts as success.
func (a *S3Adapter) Delete(ctx context.Context, table, id string) error {
	key := a.objectKey(table, id)
	err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return classifyMinio(fmt.Errorf("delete %s/%s: %w", table, id, err), err)
	}
	return nil
}

// Ping checks that the configured bucket is reachable.
func (a *S3Adapter) Ping(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("probe bucket %q: %w", a.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %q does not exist", a.bucket)
	}
	return nil
}

// objectKey returns the S3 object key for a record.
// Convention: {prefix}{table}/{id}.json
func (a *S3Adapter) objectKey(table, id string) string {
	return a.prefix + table + "/" + id + ".json"
}

// classifyMinio maps a minio error response onto the transient/permanent
// taxonomy. A zero status code means the request never reached the remote.
func classifyMinio(wrapped, cause error) error {
	resp := minio.ToErrorResponse(cause)
	if resp.StatusCode == 0 {
		return Transient(wrapped)
	}
	return classifyStatus(resp.StatusCode, wrapped)
}
