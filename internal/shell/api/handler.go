// Package api provides the HTTP control API of ladderbox.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/ladderbox/internal/core/compose"
	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/manifest"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/artpar/ladderbox/internal/shell/api/openapi"
	"github.com/artpar/ladderbox/internal/shell/builder"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/runner"
	"github.com/artpar/ladderbox/internal/shell/store"
	"github.com/artpar/ladderbox/internal/shell/workspace"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Handler
// =============================================================================

// Config holds the defaults the API builds and runs with.
type Config struct {
	AppDir   string
	Recipe   recipe.Recipe
	Tag      string
	HostPort int
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	store   store.Store
	docker  docker.Client
	builder *builder.Service
	runner  *runner.Service
	openapi *openapi.Generator
	config  Config
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, d docker.Client, b *builder.Service, rn *runner.Service, cfg Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	cfg.Recipe = recipe.WithDefaults(cfg.Recipe)
	if cfg.Tag == "" {
		cfg.Tag = domain.ImageTag("", "")
	}
	if cfg.HostPort == 0 {
		cfg.HostPort = cfg.Recipe.Port
	}
	h := &Handler{
		store:   s,
		docker:  d,
		builder: b,
		runner:  rn,
		openapi: openapi.NewGenerator(),
		config:  cfg,
		logger:  l.With("component", "api"),
	}
	h.openapi.Register(routeDocs...)
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.openapi.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/recipe", h.handleGetRecipe)
		r.Get("/plan", h.handlePlan)
		r.Get("/compose", h.handleCompose)

		r.Route("/builds", func(r chi.Router) {
			r.Post("/", h.handleCreateBuild)
			r.Get("/", h.handleListBuilds)
			r.Get("/{id}", h.handleGetBuild)
			r.Get("/{id}/layers", h.handleListLayers)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.handleCreateRun)
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
			r.Delete("/{id}", h.handleRemoveRun)
			r.Post("/{id}/stop", h.handleStopRun)
			r.Get("/{id}/logs", h.handleRunLogs)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "docker": "ok"}
	status := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		checks["database"] = "failed"
		status = http.StatusServiceUnavailable
	}
	if err := h.docker.Ping(r.Context()); err != nil {
		checks["docker"] = "failed"
		status = http.StatusServiceUnavailable
	}

	resp := ReadyResponse{Status: "ready", Checks: checks}
	if status != http.StatusOK {
		resp.Status = "not_ready"
	}
	h.writeJSON(w, status, resp)
}

// =============================================================================
// Recipe Handlers
// =============================================================================

func (h *Handler) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, RecipeResponse{
		Recipe:     h.config.Recipe,
		Digest:     recipe.Digest(h.config.Recipe).String(),
		Descriptor: recipe.Render(h.config.Recipe),
	})
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	req := h.buildRequest(CreateBuildRequest{
		Tag:     r.URL.Query().Get("tag"),
		NoCache: r.URL.Query().Get("no_cache") == "true",
	})

	plan, err := h.builder.Plan(r.Context(), req)
	if err != nil {
		h.writeBuildError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleCompose(w http.ResponseWriter, r *http.Request) {
	params := compose.ExportParams{
		Image:         h.config.Tag,
		HostPort:      h.config.HostPort,
		ContainerPort: h.config.Recipe.Port,
		Restart:       compose.RestartPolicy(r.URL.Query().Get("restart")),
		HealthCheck:   r.URL.Query().Get("healthcheck") == "true",
	}
	if port := r.URL.Query().Get("host_port"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "host_port must be a number", "validation_error")
			return
		}
		params.HostPort = p
	}
	if id := r.URL.Query().Get("build_id"); id != "" {
		build, ok := h.finalizedBuild(w, r, id)
		if !ok {
			return
		}
		params.Image = build.ImageID
		params.Labels = map[string]string{docker.LabelBuild: build.ID}
	}

	out, err := compose.Export(params)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// =============================================================================
// Build Handlers
// =============================================================================

func (h *Handler) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req CreateBuildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
	}

	build, err := h.builder.Build(r.Context(), h.buildRequest(req))
	if err != nil {
		h.writeBuildError(w, build, err)
		return
	}

	layers, err := h.store.ListLayers(r.Context(), build.ID)
	if err != nil {
		h.logger.Error("failed to list layers", "build_id", build.ID, "error", err)
	}
	build.Layers = layers
	h.writeJSON(w, http.StatusCreated, build)
}

func (h *Handler) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	builds, err := h.store.ListBuilds(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list builds", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list builds", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, ListBuildsResponse{
		Builds: builds,
		Total:  len(builds),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (h *Handler) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := h.getBuild(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	layers, err := h.store.ListLayers(r.Context(), build.ID)
	if err != nil {
		h.logger.Error("failed to list layers", "build_id", build.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get build", "internal_error")
		return
	}
	build.Layers = layers
	h.writeJSON(w, http.StatusOK, build)
}

func (h *Handler) handleListLayers(w http.ResponseWriter, r *http.Request) {
	build, ok := h.getBuild(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	layers, err := h.store.ListLayers(r.Context(), build.ID)
	if err != nil {
		h.logger.Error("failed to list layers", "build_id", build.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list layers", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, ListLayersResponse{BuildID: build.ID, Layers: layers})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
	}

	runReq := runner.Request{
		Image:         req.Image,
		BuildID:       req.BuildID,
		Name:          req.Name,
		HostPort:      req.HostPort,
		ContainerPort: h.config.Recipe.Port,
		Env:           req.Env,
	}
	if runReq.HostPort == 0 {
		runReq.HostPort = h.config.HostPort
	}
	if runReq.Image == "" && runReq.BuildID == "" {
		latest, err := h.store.LatestFinalizedBuild(r.Context(), h.config.Tag)
		if err != nil {
			if isNotFound(err) {
				h.writeError(w, http.StatusConflict, "no finalized build for "+h.config.Tag, "no_image")
				return
			}
			h.logger.Error("failed to find latest build", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to find latest build", "internal_error")
			return
		}
		runReq.BuildID = latest.ID
	}

	run, err := h.runner.Run(r.Context(), runReq)
	if err != nil {
		h.writeRunError(w, run, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, ListRunsResponse{
		Runs:   runs,
		Total:  len(runs),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeRunError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleStopRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeRunError(w, run, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleRemoveRun(w http.ResponseWriter, r *http.Request) {
	if _, err := h.runner.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeRunError(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	tail := r.URL.Query().Get("tail")
	if tail == "" {
		tail = "100"
	}

	logs, err := h.runner.Logs(r.Context(), chi.URLParam(r, "id"), docker.LogOptions{
		Tail:       tail,
		Timestamps: r.URL.Query().Get("timestamps") == "true",
	})
	if err != nil {
		h.writeRunError(w, nil, err)
		return
	}
	defer logs.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, logs); err != nil {
		h.logger.Warn("log stream interrupted", "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) buildRequest(req CreateBuildRequest) builder.Request {
	tag := req.Tag
	if tag == "" {
		tag = h.config.Tag
	}
	return builder.Request{
		Dir:      h.config.AppDir,
		Recipe:   h.config.Recipe,
		Tag:      tag,
		NoCache:  req.NoCache,
		PullBase: req.PullBase,
	}
}

func (h *Handler) getBuild(w http.ResponseWriter, r *http.Request, id string) (*domain.Build, bool) {
	build, err := h.store.GetBuild(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "build not found", "build_not_found")
			return nil, false
		}
		h.logger.Error("failed to get build", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get build", "internal_error")
		return nil, false
	}
	return build, true
}

func (h *Handler) finalizedBuild(w http.ResponseWriter, r *http.Request, id string) (*domain.Build, bool) {
	build, ok := h.getBuild(w, r, id)
	if !ok {
		return nil, false
	}
	if build.Phase != domain.BuildImageFinalized {
		h.writeError(w, http.StatusConflict, "build "+id+" is "+string(build.Phase), "build_not_finalized")
		return nil, false
	}
	return build, true
}

func listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeBuildError maps a builder failure to a status. Input problems are the
// caller's; a step that failed in the daemon is reported with the build.
func (h *Handler) writeBuildError(w http.ResponseWriter, build *domain.Build, err error) {
	var (
		validationErr *recipe.ValidationError
		parseErr      *manifest.ParseError
		workspaceErr  *workspace.WorkspaceError
		buildErr      *builder.BuildError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &parseErr), errors.As(err, &workspaceErr):
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_input")
	case errors.Is(err, docker.ErrConnectionFailed):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "docker_unavailable")
	case build != nil && errors.As(err, &buildErr):
		resp := BuildFailedResponse{Error: err.Error(), Code: "build_failed", Build: build}
		if buildErr.Step >= 0 {
			resp.Step = buildErr.Step + 1
			resp.Instruction = buildErr.Instruction
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		h.logger.Error("build failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

// writeRunError maps a runner failure to a status.
func (h *Handler) writeRunError(w http.ResponseWriter, run *domain.Run, err error) {
	var runErr *runner.RunError
	switch {
	case isNotFound(err), errors.Is(err, docker.ErrImageNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, runner.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, domain.ErrBuildNotFinalized):
		h.writeError(w, http.StatusConflict, err.Error(), "build_not_finalized")
	case errors.Is(err, runner.ErrRunNotActive):
		h.writeError(w, http.StatusConflict, err.Error(), "run_not_active")
	case errors.Is(err, docker.ErrPortAlreadyAllocated):
		h.writeJSON(w, http.StatusConflict, RunFailedResponse{Error: err.Error(), Code: "port_allocated", Run: run})
	case run != nil && errors.As(err, &runErr) &&
		(errors.Is(err, runner.ErrExitedEarly) || errors.Is(err, runner.ErrStartupTimeout)):
		h.writeJSON(w, http.StatusUnprocessableEntity, RunFailedResponse{
			Error:    err.Error(),
			Code:     "run_crashed",
			Run:      run,
			ExitCode: runErr.ExitCode,
			Logs:     runErr.Logs,
		})
	default:
		h.logger.Error("run operation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Unwrap(), store.ErrNotFound)
	}
	return false
}
