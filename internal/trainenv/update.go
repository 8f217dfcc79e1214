package trainenv

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/errdefs"
)

// CheckImageUpdate compares the local image digest against the registry's
// current descriptor for the same reference.
func (m *Manager) CheckImageUpdate(ctx context.Context) (ImageUpdate, error) {
	result := ImageUpdate{Image: m.cfg.Image}

	inspect, _, err := m.cli.ImageInspectWithRaw(ctx, m.cfg.Image)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return result, fmt.Errorf("training image not pulled: %w", err)
		}
		return result, fmt.Errorf("inspecting image: %w", err)
	}

	dist, err := m.cli.DistributionInspect(ctx, m.cfg.Image, "")
	if err != nil {
		return result, fmt.Errorf("querying registry: %w", err)
	}
	result.RemoteDigest = dist.Descriptor.Digest.String()

	for _, rd := range inspect.RepoDigests {
		i := strings.LastIndex(rd, "@")
		if i < 0 {
			continue
		}
		result.CurrentDigest = rd[i+1:]
		if result.CurrentDigest == result.RemoteDigest {
			return result, nil
		}
	}

	result.UpdateAvailable = result.CurrentDigest != "" && result.RemoteDigest != ""
	return result, nil
}
