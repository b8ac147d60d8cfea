package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func finalizedBuild(t *testing.T, tag, tree string) *domain.Build {
	t.Helper()
	b := domain.NewBuild(tag, "sha256:recipe", "sha256:manifest", tree)
	require.NoError(t, b.AdvanceTo(domain.BuildImageFinalized))
	b.ImageID = "sha256:image-" + tree
	return b
}

// =============================================================================
// Build Tests
// =============================================================================

func TestCreateAndGetBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := domain.NewBuild("ladderbox/api:latest", "sha256:r", "sha256:m", "sha256:t")
	b.Packages = 2
	require.NoError(t, s.CreateBuild(ctx, b))

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.Tag, got.Tag)
	assert.Equal(t, domain.BuildUninitialized, got.Phase)
	assert.Equal(t, 2, got.Packages)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, b.CreatedAt, got.CreatedAt, time.Microsecond)
}

func TestCreateBuild_DuplicateID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := domain.NewBuild("t", "r", "m", "t")
	require.NoError(t, s.CreateBuild(ctx, b))

	err := s.CreateBuild(ctx, b)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetBuild_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetBuild(context.Background(), "bld_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetBuild", storeErr.Op)
}

func TestUpdateBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := domain.NewBuild("t", "r", "m", "t")
	require.NoError(t, s.CreateBuild(ctx, b))

	require.NoError(t, b.AdvanceTo(domain.BuildDependenciesInstalled))
	b.DependencyCacheHit = true
	require.NoError(t, b.Fail("step 6 failed"))
	require.NoError(t, s.UpdateBuild(ctx, b))

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, got.Phase)
	assert.True(t, got.DependencyCacheHit)
	assert.Equal(t, "step 6 failed", got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)

	missing := domain.NewBuild("t", "r", "m", "t")
	assert.ErrorIs(t, s.UpdateBuild(ctx, missing), ErrNotFound)
}

func TestLatestFinalizedBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.LatestFinalizedBuild(ctx, "ladderbox/api:latest")
	assert.ErrorIs(t, err, ErrNotFound)

	older := finalizedBuild(t, "ladderbox/api:latest", "sha256:t1")
	require.NoError(t, s.CreateBuild(ctx, older))

	failed := domain.NewBuild("ladderbox/api:latest", "r", "m", "sha256:t2")
	failed.CreatedAt = older.CreatedAt.Add(time.Second)
	require.NoError(t, failed.Fail("boom"))
	require.NoError(t, s.CreateBuild(ctx, failed))

	other := finalizedBuild(t, "ladderbox/other:latest", "sha256:t3")
	other.CreatedAt = older.CreatedAt.Add(2 * time.Second)
	require.NoError(t, s.CreateBuild(ctx, other))

	got, err := s.LatestFinalizedBuild(ctx, "ladderbox/api:latest")
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	newer := finalizedBuild(t, "ladderbox/api:latest", "sha256:t4")
	newer.CreatedAt = older.CreatedAt.Add(3 * time.Second)
	require.NoError(t, s.CreateBuild(ctx, newer))

	got, err = s.LatestFinalizedBuild(ctx, "ladderbox/api:latest")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
}

func TestListBuilds_NewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		b := domain.NewBuild("t", "r", "m", "t")
		b.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.CreateBuild(ctx, b))
		ids = append(ids, b.ID)
	}

	builds, err := s.ListBuilds(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, ids[2], builds[0].ID)
	assert.Equal(t, ids[1], builds[1].ID)
}

// =============================================================================
// Layer Tests
// =============================================================================

func TestReplaceLayers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := domain.NewBuild("t", "r", "m", "t")
	require.NoError(t, s.CreateBuild(ctx, b))

	layers := []domain.LayerRecord{
		{Index: 0, Instruction: "FROM python:3.11-slim", Key: "sha256:a", Predicted: true, Cached: true},
		{Index: 1, Instruction: "WORKDIR /app", Key: "sha256:b", Predicted: true, Cached: false},
	}
	require.NoError(t, s.ReplaceLayers(ctx, b.ID, layers))

	got, err := s.ListLayers(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].BuildID)
	assert.True(t, got[0].Cached)
	assert.True(t, got[1].Predicted)
	assert.False(t, got[1].Cached)

	require.NoError(t, s.ReplaceLayers(ctx, b.ID, layers[:1]))
	got, err = s.ListLayers(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReplaceLayers_UnknownBuild(t *testing.T) {
	s := setupTestStore(t)

	err := s.ReplaceLayers(context.Background(), "bld_missing", []domain.LayerRecord{{Index: 0, Instruction: "FROM x", Key: "k"}})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestListLayers_Empty(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.ListLayers(context.Background(), "bld_missing")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestCreateAndGetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := finalizedBuild(t, "t", "tree")
	require.NoError(t, s.CreateBuild(ctx, b))

	r := domain.NewRun("t", b.ID, 8080)
	require.NoError(t, s.CreateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.BuildID)
	assert.Equal(t, r.Name, got.Name)
	assert.Equal(t, domain.ContainerCreated, got.Phase)
	assert.Equal(t, 8080, got.HostPort)
	assert.Nil(t, got.ExitCode)
}

func TestCreateRun_WithoutBuild(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := domain.NewRun("python:3.11-slim", "", 8081)
	require.NoError(t, s.CreateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BuildID)
}

func TestCreateRun_Errors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	orphan := domain.NewRun("img", "bld_missing", 8080)
	assert.ErrorIs(t, s.CreateRun(ctx, orphan), ErrForeignKey)

	r := domain.NewRun("img", "", 8080)
	require.NoError(t, s.CreateRun(ctx, r))

	sameName := domain.NewRun("img", "", 8080)
	sameName.Name = r.Name
	assert.ErrorIs(t, s.CreateRun(ctx, sameName), ErrDuplicateName)
}

func TestUpdateRun_Crash(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := domain.NewRun("img", "", 8080)
	require.NoError(t, s.CreateRun(ctx, r))

	r.ContainerID = "abc123"
	require.NoError(t, r.Transition(domain.ContainerProcessStarted))
	require.NoError(t, r.Crash(1, "No module named 'snake_ladder_api'"))
	require.NoError(t, s.UpdateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ContainerID)
	assert.Equal(t, domain.ContainerCrashed, got.Phase)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.ListeningAt)
}

func TestListActiveRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	phases := []domain.ContainerPhase{
		domain.ContainerCreated,
		domain.ContainerProcessStarted,
		domain.ContainerRunning,
		domain.ContainerCrashed,
		domain.ContainerTerminated,
	}
	for _, p := range phases {
		r := domain.NewRun("img", "", 8080)
		r.Phase = p
		require.NoError(t, s.CreateRun(ctx, r))
	}

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, r := range active {
		assert.True(t, r.Phase.IsActive())
	}

	all, err := s.ListRuns(ctx, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, len(phases))
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Rollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := domain.NewBuild("t", "r", "m", "t")
	sentinel := errors.New("abort")

	err := s.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreateBuild(ctx, b))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = s.GetBuild(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_Commit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b := domain.NewBuild("t", "r", "m", "t")
	err := s.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateBuild(ctx, b); err != nil {
			return err
		}
		return tx.ReplaceLayers(ctx, b.ID, []domain.LayerRecord{{Index: 0, Instruction: "FROM x", Key: "k"}})
	})
	require.NoError(t, err)

	layers, err := s.ListLayers(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, layers, 1)
}

// =============================================================================
// Options Tests
// =============================================================================

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000}.Normalize())
	assert.Equal(t, ListOptions{Limit: 10}, ListOptions{Limit: 10, Offset: -3}.Normalize())
}

func TestPing(t *testing.T) {
	s := setupTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
