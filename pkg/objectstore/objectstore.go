package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ethernity-cloud/etny-agent/pkg/log"
)

// Defaults for the local swift-stream sidecar the enclave stack runs.
const (
	DefaultEndpoint  = "localhost:9000"
	DefaultAccessKey = "swiftstreamadmin"
	DefaultSecretKey = "swiftstreamadmin"
)

// Client is the S3 client used as the control channel between the
// agent and the enclave: payloads go in through buckets, results and
// signed transactions come back out.
type Client struct {
	s3 *minio.Client
}

// New connects to the object store. The sidecar speaks plain HTTP on
// the loopback interface.
func New(endpoint, accessKey, secretKey string) (*Client, error) {
	s3, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to object store: %w", err)
	}
	return &Client{s3: s3}, nil
}

// BucketExists reports whether the bucket exists.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := c.s3.BucketExists(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	return exists, nil
}

// CreateBucket creates the bucket if it does not already exist.
func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := c.s3.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	clog := log.WithComponent("objectstore")
	clog.Debug().Str("bucket", bucket).Msg("bucket created")
	return nil
}

// DeleteBucket removes the bucket and everything in it.
func (c *Client) DeleteBucket(ctx context.Context, bucket string) error {
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	for obj := range c.s3.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list bucket %s: %w", bucket, obj.Err)
		}
		if err := c.s3.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %s/%s: %w", bucket, obj.Key, err)
		}
	}
	if err := c.s3.RemoveBucket(ctx, bucket); err != nil {
		return fmt.Errorf("failed to remove bucket %s: %w", bucket, err)
	}
	clog := log.WithComponent("objectstore")
	clog.Debug().Str("bucket", bucket).Msg("bucket removed")
	return nil
}

// RecreateBucket drops and recreates the bucket so an order starts
// from a clean channel.
func (c *Client) RecreateBucket(ctx context.Context, bucket string) error {
	if err := c.DeleteBucket(ctx, bucket); err != nil {
		return err
	}
	return c.CreateBucket(ctx, bucket)
}

// PutString uploads content as an object.
func (c *Client) PutString(ctx context.Context, bucket, object, content string) error {
	reader := strings.NewReader(content)
	if _, err := c.s3.PutObject(ctx, bucket, object, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/plain",
	}); err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucket, object, err)
	}
	return nil
}

// PutFile uploads a local file as an object.
func (c *Client) PutFile(ctx context.Context, bucket, object, path string) error {
	if _, err := c.s3.FPutObject(ctx, bucket, object, path, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("failed to upload %s to %s/%s: %w", path, bucket, object, err)
	}
	return nil
}

// ObjectExists reports whether the object is present in the bucket.
func (c *Client) ObjectExists(ctx context.Context, bucket, object string) (bool, error) {
	_, err := c.s3.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s/%s: %w", bucket, object, err)
	}
	return true, nil
}

// GetContent downloads an object and returns it as a string.
func (c *Client) GetContent(ctx context.Context, bucket, object string) (string, error) {
	obj, err := c.s3.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get %s/%s: %w", bucket, object, err)
	}
	defer obj.Close()

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, obj); err != nil {
		return "", fmt.Errorf("failed to read %s/%s: %w", bucket, object, err)
	}
	return buf.String(), nil
}

// DeleteObject removes one object.
func (c *Client) DeleteObject(ctx context.Context, bucket, object string) error {
	if err := c.s3.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s/%s: %w", bucket, object, err)
	}
	return nil
}
