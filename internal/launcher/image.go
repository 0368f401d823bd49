package launcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/origin"
)

var ErrNoImage = errors.New("no container image configured")

// ResolveImage picks the worker image for a run. An image configured on the
// run (or on the launcher defaults) wins; otherwise the default image of the
// code location the pipeline was loaded from is used. Resolution happens
// before the worker spec is built, never inside the worker.
func ResolveImage(ctx context.Context, origins origin.Store, run domain.Run, effective Config) (string, error) {
	if image := strings.TrimSpace(effective.JobImage); image != "" {
		return image, nil
	}
	if origins == nil {
		return "", fmt.Errorf("%w for pipeline %q", ErrNoImage, run.PipelineName)
	}
	loc, err := origins.Lookup(ctx, run.PipelineName)
	if err != nil {
		if errors.Is(err, origin.ErrNotFound) {
			return "", fmt.Errorf("%w: pipeline %q has no code location default", ErrNoImage, run.PipelineName)
		}
		return "", fmt.Errorf("resolve origin image: %w", err)
	}
	image := strings.TrimSpace(loc.DefaultImage)
	if image == "" {
		return "", fmt.Errorf("%w: code location %q declares no default image", ErrNoImage, loc.Name)
	}
	return image, nil
}

// ParseImageDigest extracts the sha256 digest from an image reference pinned
// by digest. Returns false for tag-only references.
func ParseImageDigest(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if isSHA256Digest(ref) {
		return strings.ToLower(ref), true
	}
	at := strings.LastIndex(ref, "@")
	if at <= 0 || at == len(ref)-1 {
		return "", false
	}
	if strings.TrimSpace(ref[:at]) == "" {
		return "", false
	}
	digest := strings.ToLower(strings.TrimSpace(ref[at+1:]))
	if !isSHA256Digest(digest) {
		return "", false
	}
	return digest, true
}

func isSHA256Digest(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if !strings.HasPrefix(value, "sha256:") {
		return false
	}
	hexPart := strings.TrimPrefix(value, "sha256:")
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
