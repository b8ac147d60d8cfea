package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/artpar/ladderbox/internal/core/domain"
)

// =============================================================================
// Run Rows
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID           string  `db:"id"`
	BuildID      *string `db:"build_id"`
	Image        string  `db:"image"`
	ContainerID  string  `db:"container_id"`
	Name         string  `db:"name"`
	Phase        string  `db:"phase"`
	HostPort     int     `db:"host_port"`
	ExitCode     *int    `db:"exit_code"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	ListeningAt  *string `db:"listening_at"`
	FinishedAt   *string `db:"finished_at"`
}

func runToRow(r *domain.Run) runRow {
	return runRow{
		ID:           r.ID,
		BuildID:      nullable(r.BuildID),
		Image:        r.Image,
		ContainerID:  r.ContainerID,
		Name:         r.Name,
		Phase:        string(r.Phase),
		HostPort:     r.HostPort,
		ExitCode:     r.ExitCode,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    formatTime(r.CreatedAt),
		UpdatedAt:    formatTime(r.UpdatedAt),
		ListeningAt:  formatTimePtr(r.ListeningAt),
		FinishedAt:   formatTimePtr(r.FinishedAt),
	}
}

func rowToRun(row *runRow) *domain.Run {
	run := &domain.Run{
		ID:           row.ID,
		Image:        row.Image,
		ContainerID:  row.ContainerID,
		Name:         row.Name,
		Phase:        domain.ContainerPhase(row.Phase),
		HostPort:     row.HostPort,
		ExitCode:     row.ExitCode,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
		ListeningAt:  parseTimePtr(row.ListeningAt),
		FinishedAt:   parseTimePtr(row.FinishedAt),
	}
	if row.BuildID != nil {
		run.BuildID = *row.BuildID
	}
	return run
}

// =============================================================================
// Run Operations
// =============================================================================

func createRun(ctx context.Context, exec executor, run *domain.Run) error {
	query := `
		INSERT INTO runs (
			id, build_id, image, container_id, name, phase, host_port,
			exit_code, error_message, created_at, updated_at, listening_at, finished_at
		) VALUES (
			:id, :build_id, :image, :container_id, :name, :phase, :host_port,
			:exit_code, :error_message, :created_at, :updated_at, :listening_at, :finished_at
		)`

	_, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(errStr, "UNIQUE constraint failed: runs.name") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this name already exists", ErrDuplicateName)
		}
		if strings.Contains(errStr, "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateRun", "run", run.ID, "build does not exist", ErrForeignKey)
		}
		return NewStoreError("CreateRun", "run", run.ID, errStr, err)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*domain.Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToRun(&row), nil
}

func updateRun(ctx context.Context, exec executor, run *domain.Run) error {
	query := `
		UPDATE runs SET
			container_id = :container_id,
			phase = :phase,
			exit_code = :exit_code,
			error_message = :error_message,
			updated_at = :updated_at,
			listening_at = :listening_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]domain.Run, error) {
	opts = opts.Normalize()

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, `SELECT * FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rowToRun(&rows[i]))
	}
	return runs, nil
}

func listActiveRuns(ctx context.Context, exec executor) ([]domain.Run, error) {
	query := `SELECT * FROM runs WHERE phase IN (?, ?, ?) ORDER BY created_at`

	var rows []runRow
	err := exec.SelectContext(ctx, &rows, query,
		string(domain.ContainerProcessStarted),
		string(domain.ContainerListening),
		string(domain.ContainerRunning),
	)
	if err != nil {
		return nil, NewStoreError("ListActiveRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rowToRun(&rows[i]))
	}
	return runs, nil
}
