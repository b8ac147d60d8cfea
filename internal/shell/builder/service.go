package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/layer"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/store"
	"github.com/artpar/ladderbox/internal/shell/workspace"
	"github.com/opencontainers/go-digest"
)

// =============================================================================
// Request and Plan
// =============================================================================

// Request describes one build.
type Request struct {
	Dir      string
	Recipe   recipe.Recipe
	Tag      string
	NoCache  bool
	PullBase bool
	// Progress receives every decoded daemon event.
	Progress func(docker.BuildEvent)
}

// Plan is the predicted outcome of a build against the ledger.
type Plan struct {
	Tag                   string          `json:"tag"`
	RecipeDigest          string          `json:"recipe_digest"`
	ManifestDigest        string          `json:"manifest_digest"`
	TreeDigest            string          `json:"tree_digest"`
	Packages              int             `json:"packages"`
	Unpinned              []string        `json:"unpinned,omitempty"`
	PreviousBuildID       string          `json:"previous_build_id,omitempty"`
	Layers                []layer.Planned `json:"layers"`
	DependencyLayerCached bool            `json:"dependency_layer_cached"`
	FirstMiss             int             `json:"first_miss"`
	Descriptor            string          `json:"descriptor"`

	recipe       recipe.Recipe
	instructions []recipe.Instruction
	workspace    *workspace.Workspace
}

// =============================================================================
// Service
// =============================================================================

// Service builds images through a Docker daemon.
type Service struct {
	docker docker.Client
	store  store.Store
	logger *slog.Logger
}

// NewService creates a build service.
func NewService(d docker.Client, s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docker: d,
		store:  s,
		logger: logger.With("component", "builder"),
	}
}

// Plan validates the request and predicts which layers a build would reuse,
// comparing against the last finalized build of the same tag.
func (s *Service) Plan(ctx context.Context, req Request) (*Plan, error) {
	r := recipe.WithDefaults(req.Recipe)
	if err := recipe.Validate(r); err != nil {
		return nil, NewBuildError("validate", "", domain.BuildUninitialized, err.Error(), err)
	}
	instructions := recipe.Instructions(r)
	if err := recipe.CheckOrdering(instructions); err != nil {
		return nil, NewBuildError("validate", "", domain.BuildUninitialized, err.Error(), err)
	}

	ws, err := workspace.Scan(req.Dir, r)
	if err != nil {
		return nil, NewBuildError("scan", "", domain.BuildUninitialized, err.Error(), err)
	}

	tag := req.Tag
	if tag == "" {
		tag = domain.ImageTag("", "")
	}

	planned := layer.Plan(instructions, ws.Inputs())
	plan := &Plan{
		Tag:            tag,
		RecipeDigest:   recipe.Digest(r).String(),
		ManifestDigest: ws.Manifest.Digest.String(),
		TreeDigest:     ws.TreeDigest.String(),
		Packages:       len(ws.Manifest.Requirements),
		Descriptor:     recipe.Render(r),
		recipe:         r,
		instructions:   instructions,
		workspace:      ws,
	}
	for _, req := range ws.Manifest.Unpinned() {
		plan.Unpinned = append(plan.Unpinned, req.Name)
	}

	var previous []digest.Digest
	if !req.NoCache {
		prev, err := s.store.LatestFinalizedBuild(ctx, tag)
		switch {
		case err == nil:
			plan.PreviousBuildID = prev.ID
			records, err := s.store.ListLayers(ctx, prev.ID)
			if err != nil {
				return nil, NewBuildError("plan", "", domain.BuildUninitialized, err.Error(), err)
			}
			for _, rec := range records {
				previous = append(previous, digest.Digest(rec.Key))
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, NewBuildError("plan", "", domain.BuildUninitialized, err.Error(), err)
		}
	}

	plan.Layers = layer.Compare(previous, planned)
	plan.FirstMiss = layer.FirstMiss(plan.Layers)
	if dep, ok := layer.DependencyLayer(plan.Layers); ok {
		plan.DependencyLayerCached = dep.Cached
	}
	return plan, nil
}

// Build runs the full build. On success the returned build is
// image-finalized and tagged. On failure the build is recorded as failed, any
// image it produced is removed, and a *BuildError is returned alongside the
// failed build record.
func (s *Service) Build(ctx context.Context, req Request) (*domain.Build, error) {
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	build := domain.NewBuild(plan.Tag, plan.RecipeDigest, plan.ManifestDigest, plan.TreeDigest)
	build.Packages = plan.Packages
	if err := s.store.CreateBuild(ctx, build); err != nil {
		return nil, NewBuildError("record", build.ID, build.Phase, err.Error(), err)
	}

	log := s.logger.With("build_id", build.ID, "tag", plan.Tag)
	log.Info("build started",
		"packages", plan.Packages,
		"predicted_first_miss", plan.FirstMiss,
		"dependency_layer_cached", plan.DependencyLayerCached,
	)
	if len(plan.Unpinned) > 0 {
		log.Warn("manifest has unpinned packages; installs may drift between builds", "packages", plan.Unpinned)
	}

	run := &buildRun{
		service: s,
		plan:    plan,
		build:   build,
		log:     log,
		cached:  make([]bool, len(plan.instructions)),
		output:  make([]bool, len(plan.instructions)),
		step:    -1,
	}

	// The image is tagged only after it is verified, so a rejected build
	// never moves the tag off the previous image.
	imageID, err := s.docker.BuildImage(ctx, docker.BuildSpec{
		Context:    plan.workspace.Context(plan.Descriptor),
		Dockerfile: recipe.DescriptorName,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRecipe:  plan.RecipeDigest,
		},
		NoCache:    req.NoCache,
		PullParent: req.PullBase,
	}, func(ev docker.BuildEvent) {
		run.observe(ctx, ev)
		if req.Progress != nil {
			req.Progress(ev)
		}
	})
	if err != nil {
		return run.fail(ctx, "build", "", err)
	}
	if run.err != nil {
		return run.fail(ctx, "record", imageID, run.err)
	}

	if err := build.AdvanceTo(recipe.PhaseAfterStep(plan.instructions, len(plan.instructions)-1)); err != nil {
		return run.fail(ctx, "advance", imageID, err)
	}
	if err := s.verifyImage(ctx, imageID, plan.recipe); err != nil {
		return run.fail(ctx, "verify", imageID, err)
	}
	run.settleCacheFlags()

	final := *build
	final.ImageID = imageID
	if err := final.Transition(domain.BuildImageFinalized); err != nil {
		return run.fail(ctx, "finalize", imageID, err)
	}

	previous := s.taggedImage(ctx, plan.Tag)
	if err := s.docker.TagImage(ctx, imageID, plan.Tag); err != nil {
		return run.fail(ctx, "tag", imageID, err)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateBuild(ctx, &final); err != nil {
			return err
		}
		return tx.ReplaceLayers(ctx, build.ID, run.records())
	})
	if err != nil {
		s.restoreTag(ctx, log, plan.Tag, previous, imageID)
		return run.fail(ctx, "record", imageID, err)
	}
	*build = final

	log.Info("build finished",
		"image_id", imageID,
		"dependency_cache_hit", build.DependencyCacheHit,
		"installer_invoked", build.InstallerInvoked,
	)
	return build, nil
}

// taggedImage returns the ID of the image ref points at, or "".
func (s *Service) taggedImage(ctx context.Context, ref string) string {
	info, err := s.docker.InspectImage(ctx, ref)
	if err != nil {
		return ""
	}
	return info.ID
}

// restoreTag points ref back at previous, or drops it when there was none.
func (s *Service) restoreTag(ctx context.Context, log *slog.Logger, ref, previous, current string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case previous == current:
		return
	case previous != "":
		err = s.docker.TagImage(ctx, previous, ref)
	default:
		err = s.docker.RemoveImage(ctx, ref, false)
	}
	if err != nil {
		log.Error("failed to restore tag", "tag", ref, "previous_image_id", previous, "error", err)
	}
}

// verifyImage checks that the image declares the recipe's port and command.
func (s *Service) verifyImage(ctx context.Context, imageID string, r recipe.Recipe) error {
	info, err := s.docker.InspectImage(ctx, imageID)
	if err != nil {
		return err
	}
	port := strconv.Itoa(r.Port) + "/tcp"
	if !slices.Contains(info.ExposedPorts, port) {
		return fmt.Errorf("%w: port %s not exposed (exposed: %v)", ErrImageMismatch, port, info.ExposedPorts)
	}
	if !slices.Equal(info.Cmd, r.Command) {
		return fmt.Errorf("%w: command %q, want %q", ErrImageMismatch, info.Cmd, r.Command)
	}
	return nil
}

// =============================================================================
// Build Progress
// =============================================================================

// buildRun tracks one daemon build as events arrive.
type buildRun struct {
	service *Service
	plan    *Plan
	build   *domain.Build
	log     *slog.Logger

	step   int
	cached []bool
	output []bool
	err    error
}

// observe advances the build's phase as steps complete and records cache
// hits. Storage errors are kept and reported once the stream ends.
func (b *buildRun) observe(ctx context.Context, ev docker.BuildEvent) {
	if ev.Step < 0 || ev.Step >= len(b.cached) {
		return
	}

	switch ev.Kind {
	case docker.BuildEventStep:
		if ev.Total != len(b.cached) && ev.Step == 0 {
			b.log.Warn("daemon reports a different step count", "daemon_steps", ev.Total, "planned_steps", len(b.cached))
		}
		b.step = ev.Step
		b.advance(ctx, recipe.PhaseAfterStep(b.plan.instructions, ev.Step-1))
	case docker.BuildEventCached:
		b.cached[ev.Step] = true
		b.log.Debug("layer reused", "step", ev.Step+1, "instruction", ev.Instruction)
	case docker.BuildEventOutput:
		b.output[ev.Step] = true
	}
}

func (b *buildRun) advance(ctx context.Context, phase domain.BuildPhase) {
	if b.err != nil || phase.Rank() <= b.build.Phase.Rank() {
		return
	}
	if err := b.build.AdvanceTo(phase); err != nil {
		b.err = err
		return
	}
	b.log.Info("build phase reached", "phase", phase)
	if err := b.service.store.UpdateBuild(ctx, b.build); err != nil {
		b.err = err
	}
}

// settleCacheFlags derives the dependency cache flags from the steps the
// daemon reached. A build that failed before the install step leaves both
// flags unset.
func (b *buildRun) settleCacheFlags() {
	install := recipe.IndexOf(b.plan.instructions, recipe.RoleInstall)
	if install < 0 || b.step < install {
		return
	}
	b.build.DependencyCacheHit = b.cached[install]
	b.build.InstallerInvoked = !b.cached[install]
}

// records converts the plan and the observed outcome into ledger rows. The
// base step counts as reused when the daemon did not have to pull it.
func (b *buildRun) records() []domain.LayerRecord {
	out := make([]domain.LayerRecord, 0, len(b.plan.Layers))
	for i, p := range b.plan.Layers {
		if i > b.step {
			break
		}
		cached := b.cached[i]
		if p.Instruction.Role == recipe.RoleBase {
			cached = !b.output[i]
		}
		out = append(out, domain.LayerRecord{
			BuildID:     b.build.ID,
			Index:       i,
			Instruction: p.Instruction.Text(),
			Key:         p.Key.String(),
			Predicted:   p.Cached,
			Cached:      cached,
		})
	}
	return out
}

// fail records the failure, removes a produced image, and returns the error.
func (b *buildRun) fail(ctx context.Context, op, imageID string, cause error) (*domain.Build, error) {
	bErr := &BuildError{
		Op:      op,
		BuildID: b.build.ID,
		Phase:   b.build.Phase,
		Step:    -1,
		Message: cause.Error(),
		Err:     cause,
	}
	if op == "build" && b.step >= 0 {
		bErr.Step = b.step
		bErr.Instruction = b.plan.instructions[b.step].Text()
	}

	b.settleCacheFlags()
	if err := b.build.Fail(cause.Error()); err != nil {
		b.log.Error("failed to mark build failed", "error", err)
	}

	if imageID != "" {
		b.removeImage(context.WithoutCancel(ctx), imageID)
	}

	// The caller's context may already be cancelled; the failure must still
	// reach the ledger.
	recordCtx := context.WithoutCancel(ctx)
	err := b.service.store.WithTx(recordCtx, func(tx store.Store) error {
		if err := tx.UpdateBuild(recordCtx, b.build); err != nil {
			return err
		}
		return tx.ReplaceLayers(recordCtx, b.build.ID, b.records())
	})
	if err != nil {
		b.log.Error("failed to record build failure", "error", err)
	}

	b.log.Error("build failed", "op", op, "phase", bErr.Phase, "step", bErr.Step+1, "error", cause)
	return b.build, bErr
}

// removeImage deletes an image the build produced unless something tags it.
// Identical inputs yield the ID of an earlier image, which must survive.
func (b *buildRun) removeImage(ctx context.Context, imageID string) {
	info, err := b.service.docker.InspectImage(ctx, imageID)
	if err != nil {
		if !errors.Is(err, docker.ErrImageNotFound) {
			b.log.Warn("failed to inspect image of failed build", "image_id", imageID, "error", err)
		}
		return
	}
	if len(info.RepoTags) > 0 {
		b.log.Debug("keeping tagged image", "image_id", imageID, "tags", info.RepoTags)
		return
	}
	if err := b.service.docker.RemoveImage(ctx, imageID, true); err != nil && !errors.Is(err, docker.ErrImageNotFound) {
		b.log.Warn("failed to remove image of failed build", "image_id", imageID, "error", err)
	}
}
