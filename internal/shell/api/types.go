package api

import (
	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/recipe"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateBuildRequest is the request body for starting a build.
type CreateBuildRequest struct {
	Tag      string `json:"tag,omitempty"`
	NoCache  bool   `json:"no_cache,omitempty"`
	PullBase bool   `json:"pull_base,omitempty"`
}

// CreateRunRequest is the request body for starting a container. Either
// BuildID or Image selects the image; with neither, the latest finalized build
// of the configured tag is used.
type CreateRunRequest struct {
	BuildID  string            `json:"build_id,omitempty"`
	Image    string            `json:"image,omitempty"`
	Name     string            `json:"name,omitempty"`
	HostPort int               `json:"host_port,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// RecipeResponse is the configured recipe and its rendered descriptor.
type RecipeResponse struct {
	Recipe     recipe.Recipe `json:"recipe"`
	Digest     string        `json:"digest"`
	Descriptor string        `json:"descriptor"`
}

// ListBuildsResponse is the response for listing builds.
type ListBuildsResponse struct {
	Builds []domain.Build `json:"builds"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListLayersResponse is the per-step cache outcome of a build.
type ListLayersResponse struct {
	BuildID string               `json:"build_id"`
	Layers  []domain.LayerRecord `json:"layers"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []domain.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// BuildFailedResponse reports a build that ran and failed.
type BuildFailedResponse struct {
	Error       string        `json:"error"`
	Code        string        `json:"code"`
	Build       *domain.Build `json:"build"`
	Step        int           `json:"step,omitempty"`
	Instruction string        `json:"instruction,omitempty"`
}

// RunFailedResponse reports a container that did not reach listening.
type RunFailedResponse struct {
	Error    string      `json:"error"`
	Code     string      `json:"code"`
	Run      *domain.Run `json:"run"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Logs     string      `json:"logs,omitempty"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
