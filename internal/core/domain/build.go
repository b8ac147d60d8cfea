package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Build Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrBuildNotFinalized = errors.New("build has not produced an image")
)

// =============================================================================
// Build Phase
// =============================================================================

// BuildPhase is the progress of a single image build.
type BuildPhase string

const (
	BuildUninitialized           BuildPhase = "uninitialized"
	BuildEnvironmentProvisioned  BuildPhase = "environment-provisioned"
	BuildDependenciesInstalled   BuildPhase = "dependencies-installed"
	BuildApplicationMaterialized BuildPhase = "application-materialized"
	BuildImageFinalized          BuildPhase = "image-finalized"
	BuildFailed                  BuildPhase = "failed"
)

// buildOrder is the only forward path a build may take.
var buildOrder = []BuildPhase{
	BuildUninitialized,
	BuildEnvironmentProvisioned,
	BuildDependenciesInstalled,
	BuildApplicationMaterialized,
	BuildImageFinalized,
}

// IsTerminal reports whether no further transition is possible.
func (p BuildPhase) IsTerminal() bool {
	return p == BuildImageFinalized || p == BuildFailed
}

// Rank returns the position of the phase on the forward path, or -1 for
// phases that are not on it.
func (p BuildPhase) Rank() int {
	for i, phase := range buildOrder {
		if phase == p {
			return i
		}
	}
	return -1
}

// ValidateBuildTransition checks that a build may move from one phase to
// another. Transitions are strictly forward by one step; any non-terminal
// phase may fail.
func ValidateBuildTransition(from, to BuildPhase) error {
	if from.IsTerminal() {
		return ErrInvalidTransition
	}
	if to == BuildFailed {
		return nil
	}
	fromRank, toRank := from.Rank(), to.Rank()
	if fromRank < 0 || toRank < 0 || toRank != fromRank+1 {
		return ErrInvalidTransition
	}
	return nil
}

// =============================================================================
// Build
// =============================================================================

// Build records one attempt to produce an image from a recipe, a manifest and
// an application tree.
type Build struct {
	ID                 string        `json:"id"`
	Tag                string        `json:"tag"`
	Phase              BuildPhase    `json:"phase"`
	RecipeDigest       string        `json:"recipe_digest"`
	ManifestDigest     string        `json:"manifest_digest"`
	TreeDigest         string        `json:"tree_digest"`
	ImageID            string        `json:"image_id,omitempty"`
	Packages           int           `json:"packages"`
	Layers             []LayerRecord `json:"layers,omitempty"`
	DependencyCacheHit bool          `json:"dependency_cache_hit"`
	InstallerInvoked   bool          `json:"installer_invoked"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	FinishedAt         *time.Time    `json:"finished_at,omitempty"`
}

// NewBuild creates a build in the uninitialized phase.
func NewBuild(tag, recipeDigest, manifestDigest, treeDigest string) *Build {
	now := time.Now()
	return &Build{
		ID:             "bld_" + uuid.New().String()[:8],
		Tag:            tag,
		Phase:          BuildUninitialized,
		RecipeDigest:   recipeDigest,
		ManifestDigest: manifestDigest,
		TreeDigest:     treeDigest,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the build to the next phase.
func (b *Build) Transition(to BuildPhase) error {
	if err := ValidateBuildTransition(b.Phase, to); err != nil {
		return err
	}

	now := time.Now()
	b.Phase = to
	b.UpdatedAt = now
	if to.IsTerminal() {
		b.FinishedAt = &now
	}
	return nil
}

// AdvanceTo walks the build forward through every intermediate phase until it
// reaches the target. Progress reports from the daemon can skip phases when
// several steps finish in one message batch.
func (b *Build) AdvanceTo(target BuildPhase) error {
	if target.Rank() < 0 {
		return ErrInvalidTransition
	}
	for b.Phase.Rank() < target.Rank() {
		next := buildOrder[b.Phase.Rank()+1]
		if err := b.Transition(next); err != nil {
			return err
		}
	}
	return nil
}

// Fail marks the build failed with a message. Already terminal builds are
// left untouched.
func (b *Build) Fail(message string) error {
	if err := b.Transition(BuildFailed); err != nil {
		return err
	}
	b.ErrorMessage = message
	b.ImageID = ""
	return nil
}

// Fingerprint identifies the inputs of a build. Two builds with the same
// fingerprint were made from byte-identical inputs.
func (b *Build) Fingerprint() string {
	return b.RecipeDigest + "|" + b.ManifestDigest + "|" + b.TreeDigest
}

// Equivalent reports whether two finalized builds come from identical inputs
// and therefore carry the same installed packages and application tree.
func (b *Build) Equivalent(other *Build) bool {
	if other == nil {
		return false
	}
	if b.Phase != BuildImageFinalized || other.Phase != BuildImageFinalized {
		return false
	}
	return b.Fingerprint() == other.Fingerprint()
}
