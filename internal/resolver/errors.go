package resolver

import (
	"errors"
	"fmt"

	"github.com/bobarin/storyreel/internal/models"
)

var (
	// ErrInvalidSceneSpec is the same sentinel the request validator uses.
	ErrInvalidSceneSpec = models.ErrInvalidSceneSpec

	ErrAssetNotFound     = errors.New("asset not found")
	ErrDuplicateAsset    = errors.New("asset already used in this job")
	ErrPortraitRejected  = errors.New("portrait asset rejected")
	ErrNoEligibleAsset   = errors.New("no eligible asset among search candidates")
	ErrTTSFailure        = errors.New("voice synthesis failed")
	ErrSearchUnavailable = errors.New("asset search unavailable")
)

// ResolutionError ties a failure to the scene that caused it.
type ResolutionError struct {
	SceneIndex int
	Method     models.SelectionMethod
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("Scene %d: %v", e.SceneIndex, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Skippable reports whether err is a per-scene constraint failure that the
// skipUnresolvableScenes policy may absorb. Malformed input, search outages
// and synthesis failures are never skippable.
func Skippable(err error) bool {
	return errors.Is(err, ErrAssetNotFound) ||
		errors.Is(err, ErrDuplicateAsset) ||
		errors.Is(err, ErrPortraitRejected) ||
		errors.Is(err, ErrNoEligibleAsset)
}
