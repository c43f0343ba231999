// Package s3 provides an S3-backed avatar cache.
package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/quietwire/groupd/internal/avatars"
	"github.com/quietwire/groupd/internal/storage"
	"github.com/quietwire/groupd/pkg/group"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

func init() {
	avatars.Register("s3", NewFactory, Defaults)
}

// Defaults returns the default configuration for the S3 cache.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:          "us-east-1",
		KeyEndpoint:        "",
		KeyPrefix:          "",
		KeyAccessKeyID:     "",
		KeySecretAccessKey: "",
		KeyForcePathStyle:  "false",
	}
}

// NewFactory creates a new S3 cache from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (avatars.Cache, error) {
	bucket := storage.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, storage.NewConfigError("s3", KeyBucket, "cannot be empty")
	}

	region := storage.GetString(config, KeyRegion, "us-east-1")
	endpoint := storage.GetString(config, KeyEndpoint, "")
	prefix := storage.GetString(config, KeyPrefix, "")
	accessKeyID := storage.GetString(config, KeyAccessKeyID, "")
	secretAccessKey := storage.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := storage.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("s3", KeyForcePathStyle, config[KeyForcePathStyle], err.Error())
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if forcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	// Fail fast: verify bucket access.
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	return &Cache{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Cache is an S3 implementation of avatars.Cache.
type Cache struct {
	client *s3.Client
	bucket string
	prefix string
	closed atomic.Bool
}

func (c *Cache) key(id group.ID, ref string) string {
	return c.prefix + hex.EncodeToString(id[:]) + "/" + url.PathEscape(ref)
}

// Put stores avatar bytes for the given group and reference.
func (c *Cache) Put(ctx context.Context, id group.ID, ref string, data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("s3 put: cache closed")
	}

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id, ref)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

// Get retrieves cached avatar bytes.
func (c *Cache) Get(ctx context.Context, id group.ID, ref string) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("s3 get: cache closed")
	}

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id, ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, avatars.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	return data, nil
}

// Close is a no-op; the S3 SDK client needs no cleanup.
func (c *Cache) Close() error {
	c.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
