package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cuemby/sagenet/pkg/types"
)

// S3Driver stores objects in an S3 compatible bucket
type S3Driver struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Driver creates a driver for cfg.Bucket on cfg.Endpoint
func NewS3Driver(cfg types.StorageConfig, creds types.StorageCredentials) (*S3Driver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 storage needs an endpoint and a bucket")
	}
	endpoint := cfg.Endpoint
	secure := !cfg.Insecure
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		secure = true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}
	client, err := minio.New(strings.TrimSuffix(endpoint, "/"), &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &S3Driver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (d *S3Driver) object(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if d.prefix == "" {
		return k, nil
	}
	return path.Join(d.prefix, k), nil
}

func (d *S3Driver) fullPrefix(prefix string) string {
	if d.prefix == "" {
		return prefix
	}
	return d.prefix + "/" + prefix
}

// Write implements Driver
func (d *S3Driver) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	obj, err := d.object(key)
	if err != nil {
		return err
	}
	if _, err := d.client.PutObject(ctx, d.bucket, obj, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return fmt.Errorf("s3: put %s: %w", obj, err)
	}
	return nil
}

// Read implements Driver
func (d *S3Driver) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := d.object(key)
	if err != nil {
		return nil, err
	}
	o, err := d.client.GetObject(ctx, d.bucket, obj, minio.GetObjectOptions{})
	if err != nil {
		return nil, d.wrap(err, obj)
	}
	// GetObject is lazy; Stat surfaces a missing object before the caller
	// starts reading.
	if _, err := o.Stat(); err != nil {
		o.Close()
		return nil, d.wrap(err, obj)
	}
	return o, nil
}

// List implements Driver
func (d *S3Driver) List(ctx context.Context, prefix string) ([]string, error) {
	full := d.fullPrefix(prefix)
	var keys []string
	for info := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", full, info.Err)
		}
		key := info.Key
		if d.prefix != "" {
			key = strings.TrimPrefix(key, d.prefix+"/")
		}
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Driver
func (d *S3Driver) Delete(ctx context.Context, prefix string) error {
	keys, err := d.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		obj, err := d.object(key)
		if err != nil {
			return err
		}
		if err := d.client.RemoveObject(ctx, d.bucket, obj, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("s3: remove %s: %w", obj, d.wrap(err, obj))
		}
	}
	return nil
}

func (d *S3Driver) wrap(err error, obj string) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", obj, ErrNotFound)
	}
	return fmt.Errorf("s3: %s: %w", obj, err)
}
