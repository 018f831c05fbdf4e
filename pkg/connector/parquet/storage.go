package parquet

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/retry"
)

// Storage kinds accepted in a connection's storage field.
const (
	StorageFS  = "fs"
	StorageS3  = "s3"
	StorageGCS = "gcs"
)

// StorageClient stores finished parquet objects.
type StorageClient interface {
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

var objectMetadata = map[string]string{
	"format":    "parquet",
	"generator": "mkpipe",
}

// NewStorageClient returns the client selected by c.Storage, wrapped with
// policy.
func NewStorageClient(ctx context.Context, c config.ConnectionParams, policy retry.Policy) (StorageClient, error) {
	var (
		client StorageClient
		err    error
	)
	switch strings.ToLower(c.Storage) {
	case "", StorageFS, "local":
		client, err = NewLocalFSClient(c.Path)
	case StorageS3:
		client, err = NewS3Client(ctx, c.Bucket, c.Region, c.String("endpoint", ""))
	case StorageGCS:
		client, err = NewGCSClient(ctx, c.Bucket)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage)
	}
	if err != nil {
		return nil, err
	}
	return &retryingClient{StorageClient: client, policy: policy}, nil
}

// LocalFSClient writes objects below a base directory.
type LocalFSClient struct {
	basePath string
}

// NewLocalFSClient creates basePath if needed. A leading ~ is expanded.
func NewLocalFSClient(basePath string) (*LocalFSClient, error) {
	if basePath == "" {
		return nil, fmt.Errorf("fs storage needs a path")
	}
	if basePath == "~" || strings.HasPrefix(basePath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		basePath = filepath.Join(home, strings.TrimPrefix(basePath, "~"))
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalFSClient{basePath: abs}, nil
}

// Path returns the absolute location of key.
func (c *LocalFSClient) Path(key string) (string, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths not allowed in key: %s", key)
	}
	full := filepath.Join(c.basePath, clean)
	rel, err := filepath.Rel(c.basePath, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid key path: %s", key)
	}
	return full, nil
}

// Write stores data at key through a temp file and rename.
func (c *LocalFSClient) Write(_ context.Context, key string, data []byte) error {
	full, err := c.Path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(full)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Close implements StorageClient.
func (c *LocalFSClient) Close() error { return nil }

// GCSClient writes objects to a Google Cloud Storage bucket.
type GCSClient struct {
	client *storage.Client
	bucket string
}

// NewGCSClient uses application default credentials and checks the bucket
// is reachable.
func NewGCSClient(ctx context.Context, bucket string) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}
	logrus.WithFields(logrus.Fields{"component": "parquet", "bucket": bucket}).Debug("GCS client initialized")
	return &GCSClient{client: client, bucket: bucket}, nil
}

// Write implements StorageClient.
func (c *GCSClient) Write(ctx context.Context, key string, data []byte) error {
	w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = objectMetadata
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

// Close implements StorageClient.
func (c *GCSClient) Close() error {
	return c.client.Close()
}

// S3Client writes objects to an S3 bucket, or an S3-compatible endpoint.
type S3Client struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Client loads the default AWS credential chain and checks the bucket
// is reachable.
func NewS3Client(ctx context.Context, bucket, region, endpoint string) (*S3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucket, err)
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 3
	})
	return &S3Client{uploader: uploader, bucket: bucket}, nil
}

// Write implements StorageClient.
func (c *S3Client) Write(ctx context.Context, key string, data []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/octet-stream"),
		Metadata:     objectMetadata,
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 %s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// Close implements StorageClient.
func (c *S3Client) Close() error { return nil }

type retryingClient struct {
	StorageClient
	policy retry.Policy
}

func (r *retryingClient) Write(ctx context.Context, key string, data []byte) error {
	return retry.Do(ctx, "write "+key, r.policy, func(ctx context.Context) error {
		return r.StorageClient.Write(ctx, key, data)
	})
}
