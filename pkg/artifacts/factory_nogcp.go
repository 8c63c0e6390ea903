//go:build !gcp

package artifacts

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
)

func newGCSVault(context.Context, config.ArtifactsConfig) (Vault, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
