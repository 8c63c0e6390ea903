package artifacts

import (
	"context"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
)

// New builds the vault selected by cfg. It returns a nil Vault when
// archiving is disabled.
func New(ctx context.Context, cfg config.ArtifactsConfig) (Vault, error) {
	switch cfg.StorageType {
	case "", config.StorageNone:
		return nil, nil
	case config.StorageFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("ARTIFACT_DIR is required for fs storage")
		}
		return NewFileVault(cfg.Dir)
	case config.StorageS3:
		return newS3Vault(ctx, cfg)
	case config.StorageGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSVault(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.StorageType)
	}
}

func newS3Vault(ctx context.Context, cfg config.ArtifactsConfig) (Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
	}
	region := cfg.S3Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Vault(ctx, S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   region,
		Endpoint: cfg.S3Endpoint,
		Prefix:   cfg.S3Prefix,
	})
}
