//go:build gcp

package artifacts

import (
	"context"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
)

func newGCSVault(ctx context.Context, cfg config.ArtifactsConfig) (Vault, error) {
	return NewGCSVault(ctx, GCSConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
