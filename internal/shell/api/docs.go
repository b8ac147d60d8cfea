package api

import (
	"net/http"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/shell/api/openapi"
	"github.com/artpar/ladderbox/internal/shell/builder"
)

// routeDocs documents every route served by Routes.
var routeDocs = []openapi.Route{
	{Method: http.MethodGet, Path: "/health", OperationID: "health", Summary: "Liveness", Tag: "Health", Response: HealthResponse{}},
	{Method: http.MethodGet, Path: "/ready", OperationID: "ready", Summary: "Readiness of the ledger and the Docker daemon", Tag: "Health", Response: ReadyResponse{}},

	{Method: http.MethodGet, Path: "/api/v1/recipe", OperationID: "getRecipe", Summary: "Configured recipe and rendered descriptor", Tag: "Recipe", Response: RecipeResponse{}},
	{Method: http.MethodGet, Path: "/api/v1/plan", OperationID: "planBuild", Summary: "Predict layer reuse without building", Tag: "Recipe", Response: builder.Plan{}, Query: []string{"tag", "no_cache"}},
	{Method: http.MethodGet, Path: "/api/v1/compose", OperationID: "exportCompose", Summary: "Compose document for an orchestrator", Tag: "Recipe", ContentType: "application/yaml", Query: []string{"build_id", "host_port", "restart", "healthcheck"}},

	{Method: http.MethodPost, Path: "/api/v1/builds", OperationID: "createBuild", Summary: "Build the image", Tag: "Builds", Request: CreateBuildRequest{}, Response: domain.Build{}, Status: http.StatusCreated},
	{Method: http.MethodGet, Path: "/api/v1/builds", OperationID: "listBuilds", Summary: "List builds", Tag: "Builds", Response: ListBuildsResponse{}, Query: []string{"limit", "offset"}},
	{Method: http.MethodGet, Path: "/api/v1/builds/{id}", OperationID: "getBuild", Summary: "Get a build", Tag: "Builds", Response: domain.Build{}},
	{Method: http.MethodGet, Path: "/api/v1/builds/{id}/layers", OperationID: "listLayers", Summary: "Per-step cache outcome of a build", Tag: "Builds", Response: ListLayersResponse{}},

	{Method: http.MethodPost, Path: "/api/v1/runs", OperationID: "createRun", Summary: "Start a container and wait for its listener", Tag: "Runs", Request: CreateRunRequest{}, Response: domain.Run{}, Status: http.StatusCreated},
	{Method: http.MethodGet, Path: "/api/v1/runs", OperationID: "listRuns", Summary: "List runs", Tag: "Runs", Response: ListRunsResponse{}, Query: []string{"limit", "offset"}},
	{Method: http.MethodGet, Path: "/api/v1/runs/{id}", OperationID: "getRun", Summary: "Get a run", Tag: "Runs", Response: domain.Run{}},
	{Method: http.MethodDelete, Path: "/api/v1/runs/{id}", OperationID: "removeRun", Summary: "Stop and remove a run's container", Tag: "Runs", Status: http.StatusNoContent},
	{Method: http.MethodPost, Path: "/api/v1/runs/{id}/stop", OperationID: "stopRun", Summary: "Stop a run", Tag: "Runs", Response: domain.Run{}},
	{Method: http.MethodGet, Path: "/api/v1/runs/{id}/logs", OperationID: "runLogs", Summary: "Container output", Tag: "Runs", ContentType: "text/plain", Query: []string{"tail", "timestamps"}},
}
