// Package minio reads an S3 compatible bucket as a folder tree: key prefixes
// ending in "/" are folders and objects are files.
package minio

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/septianibnyohan/gdrive-syncer/internal/logging"
	"github.com/septianibnyohan/gdrive-syncer/internal/metrics"
	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

// Config holds the connection settings of a bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Client implements remote.Client on a bucket.
type Client struct {
	client *minio.Client
	bucket string
}

// New creates a bucket client.
func New(cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Transport:    tr,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return &Client{client: client, bucket: cfg.Bucket}, nil
}

// RootPrefix turns a configured root ("/", "", "photos") into a listing prefix.
func RootPrefix(root string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return ""
	}
	return root + "/"
}

// ListChildren lists one level below the prefix containerID.
func (c *Client) ListChildren(ctx context.Context, containerID string) ([]remote.Item, error) {
	start := time.Now()
	prefix := RootPrefix(containerID)

	var items []remote.Item
	var err error
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			err = obj.Err
			break
		}
		if obj.Key == prefix {
			continue // folder marker object
		}
		items = append(items, toItem(prefix, obj))
	}
	metrics.RecordRemoteCall("list", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("list", containerID, err)
	}
	logging.Debug("listed prefix", logging.String("prefix", prefix), logging.Int("children", len(items)))
	return items, nil
}

// Fetch streams an object.
func (c *Client) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := c.client.GetObject(ctx, c.bucket, id, minio.GetObjectOptions{})
	if err == nil {
		// GetObject is lazy; Stat surfaces a missing key before any bytes are written.
		_, err = obj.Stat()
		if err != nil {
			obj.Close()
		}
	}
	metrics.RecordRemoteCall("fetch", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("fetch", id, err)
	}
	return &body{rc: obj, id: id}, nil
}

// Export is not supported: a bucket holds no native documents.
func (c *Client) Export(_ context.Context, id, format string) (io.ReadCloser, error) {
	return nil, remote.NewError("export", id, remote.ErrNotFound,
		fmt.Errorf("bucket objects cannot be exported as %s", format))
}

func toItem(prefix string, obj minio.ObjectInfo) remote.Item {
	name := strings.TrimPrefix(obj.Key, prefix)
	if strings.HasSuffix(obj.Key, "/") {
		return remote.Item{
			ID:   obj.Key,
			Name: strings.TrimSuffix(name, "/"),
			Kind: models.KindFolder,
			Size: -1,
		}
	}
	return remote.Item{
		ID:         obj.Key,
		Name:       name,
		Kind:       models.KindFile,
		ModifiedAt: obj.LastModified.UTC(),
		Checksum:   strings.Trim(obj.ETag, `"`),
		Size:       obj.Size,
	}
}

func classify(op, id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return remote.NewError(op, id, remote.ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return remote.NewError(op, id, remote.ErrAuth, err)
	case "SlowDown", "SlowDownRead", "RequestLimitExceeded", "TooManyRequests":
		return remote.NewError(op, id, remote.ErrRateLimited, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return remote.NewError(op, id, remote.ErrRateLimited, err)
	}
	return remote.NewError(op, id, remote.ErrTransport, err)
}

type body struct {
	rc io.ReadCloser
	id string
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		err = classify("fetch", b.id, err)
	}
	return n, err
}

func (b *body) Close() error { return b.rc.Close() }

var _ remote.Client = (*Client)(nil)
