//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSVault stores objects in a Google Cloud Storage bucket.
type GCSVault struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSVault.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSVault uses application default credentials.
func NewGCSVault(ctx context.Context, cfg GCSConfig) (*GCSVault, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSVault{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads data unless an object with the same digest exists.
func (v *GCSVault) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	obj := v.client.Bucket(v.bucket).Object(objectName(v.prefix, ref[len(RefPrefix):]))

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("gcs attrs error: %w", err)
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return ref, nil
}

// Get downloads the object behind ref.
func (v *GCSVault) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := v.client.Bucket(v.bucket).Object(objectName(v.prefix, digest)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Exists reports whether ref is stored.
func (v *GCSVault) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = v.client.Bucket(v.bucket).Object(objectName(v.prefix, digest)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Close releases the client.
func (v *GCSVault) Close() error {
	return v.client.Close()
}
