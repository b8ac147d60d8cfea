package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/artpar/ladderbox/internal/core/domain"
)

// =============================================================================
// Build Rows
// =============================================================================

// buildRow represents a build row in the database.
type buildRow struct {
	ID                 string  `db:"id"`
	Tag                string  `db:"tag"`
	Phase              string  `db:"phase"`
	RecipeDigest       string  `db:"recipe_digest"`
	ManifestDigest     string  `db:"manifest_digest"`
	TreeDigest         string  `db:"tree_digest"`
	ImageID            string  `db:"image_id"`
	Packages           int     `db:"packages"`
	DependencyCacheHit bool    `db:"dependency_cache_hit"`
	InstallerInvoked   bool    `db:"installer_invoked"`
	ErrorMessage       string  `db:"error_message"`
	CreatedAt          string  `db:"created_at"`
	UpdatedAt          string  `db:"updated_at"`
	FinishedAt         *string `db:"finished_at"`
}

func buildToRow(b *domain.Build) buildRow {
	return buildRow{
		ID:                 b.ID,
		Tag:                b.Tag,
		Phase:              string(b.Phase),
		RecipeDigest:       b.RecipeDigest,
		ManifestDigest:     b.ManifestDigest,
		TreeDigest:         b.TreeDigest,
		ImageID:            b.ImageID,
		Packages:           b.Packages,
		DependencyCacheHit: b.DependencyCacheHit,
		InstallerInvoked:   b.InstallerInvoked,
		ErrorMessage:       b.ErrorMessage,
		CreatedAt:          formatTime(b.CreatedAt),
		UpdatedAt:          formatTime(b.UpdatedAt),
		FinishedAt:         formatTimePtr(b.FinishedAt),
	}
}

func rowToBuild(row *buildRow) *domain.Build {
	return &domain.Build{
		ID:                 row.ID,
		Tag:                row.Tag,
		Phase:              domain.BuildPhase(row.Phase),
		RecipeDigest:       row.RecipeDigest,
		ManifestDigest:     row.ManifestDigest,
		TreeDigest:         row.TreeDigest,
		ImageID:            row.ImageID,
		Packages:           row.Packages,
		DependencyCacheHit: row.DependencyCacheHit,
		InstallerInvoked:   row.InstallerInvoked,
		ErrorMessage:       row.ErrorMessage,
		CreatedAt:          parseTime(row.CreatedAt),
		UpdatedAt:          parseTime(row.UpdatedAt),
		FinishedAt:         parseTimePtr(row.FinishedAt),
	}
}

// =============================================================================
// Build Operations
// =============================================================================

func createBuild(ctx context.Context, exec executor, build *domain.Build) error {
	query := `
		INSERT INTO builds (
			id, tag, phase, recipe_digest, manifest_digest, tree_digest,
			image_id, packages, dependency_cache_hit, installer_invoked,
			error_message, created_at, updated_at, finished_at
		) VALUES (
			:id, :tag, :phase, :recipe_digest, :manifest_digest, :tree_digest,
			:image_id, :packages, :dependency_cache_hit, :installer_invoked,
			:error_message, :created_at, :updated_at, :finished_at
		)`

	_, err := exec.NamedExecContext(ctx, query, buildToRow(build))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: builds.id") {
			return NewStoreError("CreateBuild", "build", build.ID, "build with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateBuild", "build", build.ID, err.Error(), err)
	}
	return nil
}

func getBuild(ctx context.Context, exec executor, id string) (*domain.Build, error) {
	var row buildRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM builds WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBuild", "build", id, "build not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBuild", "build", id, err.Error(), err)
	}
	return rowToBuild(&row), nil
}

func updateBuild(ctx context.Context, exec executor, build *domain.Build) error {
	query := `
		UPDATE builds SET
			phase = :phase,
			image_id = :image_id,
			packages = :packages,
			dependency_cache_hit = :dependency_cache_hit,
			installer_invoked = :installer_invoked,
			error_message = :error_message,
			updated_at = :updated_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, buildToRow(build))
	if err != nil {
		return NewStoreError("UpdateBuild", "build", build.ID, err.Error(), err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewStoreError("UpdateBuild", "build", build.ID, "build not found", ErrNotFound)
	}
	return nil
}

func listBuilds(ctx context.Context, exec executor, opts ListOptions) ([]domain.Build, error) {
	opts = opts.Normalize()

	var rows []buildRow
	err := exec.SelectContext(ctx, &rows, `SELECT * FROM builds ORDER BY created_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListBuilds", "build", "", err.Error(), err)
	}

	builds := make([]domain.Build, 0, len(rows))
	for i := range rows {
		builds = append(builds, *rowToBuild(&rows[i]))
	}
	return builds, nil
}

func latestFinalizedBuild(ctx context.Context, exec executor, tag string) (*domain.Build, error) {
	query := `SELECT * FROM builds WHERE tag = ? AND phase = ? ORDER BY created_at DESC LIMIT 1`

	var row buildRow
	err := exec.GetContext(ctx, &row, query, tag, string(domain.BuildImageFinalized))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LatestFinalizedBuild", "build", tag, "no finalized build for tag", ErrNotFound)
		}
		return nil, NewStoreError("LatestFinalizedBuild", "build", tag, err.Error(), err)
	}
	return rowToBuild(&row), nil
}

// =============================================================================
// Layer Operations
// =============================================================================

func replaceLayers(ctx context.Context, exec executor, buildID string, layers []domain.LayerRecord) error {
	if _, err := exec.ExecContext(ctx, `DELETE FROM layers WHERE build_id = ?`, buildID); err != nil {
		return NewStoreError("ReplaceLayers", "build", buildID, err.Error(), err)
	}

	query := `
		INSERT INTO layers (build_id, step_index, instruction, cache_key, predicted_cached, cached)
		VALUES (:build_id, :step_index, :instruction, :cache_key, :predicted_cached, :cached)`

	for _, l := range layers {
		l.BuildID = buildID
		if _, err := exec.NamedExecContext(ctx, query, l); err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				return NewStoreError("ReplaceLayers", "build", buildID, "build does not exist", ErrForeignKey)
			}
			return NewStoreError("ReplaceLayers", "build", buildID, err.Error(), err)
		}
	}
	return nil
}

func listLayers(ctx context.Context, exec executor, buildID string) ([]domain.LayerRecord, error) {
	layers := []domain.LayerRecord{}
	err := exec.SelectContext(ctx, &layers, `SELECT * FROM layers WHERE build_id = ? ORDER BY step_index`, buildID)
	if err != nil {
		return nil, NewStoreError("ListLayers", "build", buildID, err.Error(), err)
	}
	return layers, nil
}
