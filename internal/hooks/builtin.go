package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/gaspardpetit/genpool/internal/gen"
)

// MaxResolution refuses jobs whose image area exceeds pixels. A non-positive
// limit disables the check.
func MaxResolution(pixels int) PreGenerate {
	return func(_ context.Context, job *gen.Job) error {
		if pixels > 0 && job.Pixels() > pixels {
			return gen.Refusef("Invalid resolution %dx%d: the server allows at most %d pixels per image.", job.Width, job.Height, pixels)
		}
		return nil
	}
}

var errEmptyArtifact = errors.New("empty artifact")

// RejectEmpty refuses artifacts with no payload.
func RejectEmpty(_ context.Context, _ *gen.Job, a *gen.Artifact) error {
	if len(a.Data) == 0 {
		return errEmptyArtifact
	}
	return nil
}

// DedupeIdentical discards final artifacts whose payload repeats one with a
// lower index.
func DedupeIdentical(_ context.Context, _ *gen.Job, artifacts []*gen.Artifact) {
	seen := map[string]bool{}
	for _, a := range artifacts {
		sum := sha256.Sum256(a.Data)
		key := hex.EncodeToString(sum[:])
		if seen[key] {
			a.Discard()
			continue
		}
		seen[key] = true
	}
}
