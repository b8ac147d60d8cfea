package store

import (
	"context"

	"github.com/artpar/ladderbox/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for the build and run ledger.
type Store interface {
	// Build operations
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuild(ctx context.Context, id string) (*domain.Build, error)
	UpdateBuild(ctx context.Context, build *domain.Build) error
	ListBuilds(ctx context.Context, opts ListOptions) ([]domain.Build, error)
	// LatestFinalizedBuild returns the most recent build of a tag that
	// produced an image. ErrNotFound when there is none.
	LatestFinalizedBuild(ctx context.Context, tag string) (*domain.Build, error)

	// Layer operations
	ReplaceLayers(ctx context.Context, buildID string, layers []domain.LayerRecord) error
	ListLayers(ctx context.Context, buildID string) ([]domain.LayerRecord, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	ListRuns(ctx context.Context, opts ListOptions) ([]domain.Run, error)
	// ListActiveRuns returns runs whose container is expected to be alive.
	ListActiveRuns(ctx context.Context) ([]domain.Run, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
