package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/database"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

const failureColumns = `id, instance_id, workflow_remote_id, execution_id, error_payload,
	detected_at, analysis_status, created_at, updated_at`

// ExecutionFailureRepository defines the interface for failure record data access.
type ExecutionFailureRepository interface {
	// Create inserts a new failure record. Returns apperrors.ErrConflict if
	// the execution was already captured for this instance.
	Create(ctx context.Context, f *models.ExecutionFailure) error

	// GetByID retrieves a failure record by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionFailure, error)

	// ListByOwner retrieves failure records across an owner's instances,
	// newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.ExecutionFailure, error)

	// ListByStatus retrieves failure records in a given analysis state.
	ListByStatus(ctx context.Context, status models.AnalysisStatus) ([]*models.ExecutionFailure, error)

	// UpdateAnalysisStatus transitions the analysis status of a record.
	UpdateAnalysisStatus(ctx context.Context, id uuid.UUID, status models.AnalysisStatus) error

	// OwnerOf returns the owner of the instance a failure belongs to.
	OwnerOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
}

// executionFailureRepository implements ExecutionFailureRepository using PostgreSQL.
type executionFailureRepository struct {
	db *database.DB
}

// NewExecutionFailureRepository creates a new failure record repository.
func NewExecutionFailureRepository(db *database.DB) ExecutionFailureRepository {
	return &executionFailureRepository{db: db}
}

func (r *executionFailureRepository) Create(ctx context.Context, f *models.ExecutionFailure) error {
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.AnalysisStatus == "" {
		f.AnalysisStatus = models.AnalysisStatusUnanalyzed
	}

	query := `
		INSERT INTO engine_execution_failures (instance_id, workflow_remote_id, execution_id, error_payload, detected_at, analysis_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		f.InstanceID,
		f.WorkflowRemoteID,
		f.ExecutionID,
		f.ErrorPayload,
		f.DetectedAt,
		f.AnalysisStatus,
		f.CreatedAt,
		f.UpdatedAt,
	).Scan(&f.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create failure record: %w", err)
	}

	return nil
}

func (r *executionFailureRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionFailure, error) {
	query := fmt.Sprintf(`SELECT %s FROM engine_execution_failures WHERE id = $1`, failureColumns)

	f, err := scanFailure(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get failure record: %w", err)
	}
	return f, nil
}

func (r *executionFailureRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.ExecutionFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT f.id, f.instance_id, f.workflow_remote_id, f.execution_id, f.error_payload,
		       f.detected_at, f.analysis_status, f.created_at, f.updated_at
		FROM engine_execution_failures f
		JOIN engine_instances i ON i.id = f.instance_id
		WHERE i.owner_id = $1
		ORDER BY f.detected_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failure records: %w", err)
	}
	defer rows.Close()

	return collectFailures(rows)
}

func (r *executionFailureRepository) ListByStatus(ctx context.Context, status models.AnalysisStatus) ([]*models.ExecutionFailure, error) {
	query := fmt.Sprintf(`SELECT %s FROM engine_execution_failures WHERE analysis_status = $1 ORDER BY detected_at`, failureColumns)

	rows, err := r.db.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list failure records: %w", err)
	}
	defer rows.Close()

	return collectFailures(rows)
}

func (r *executionFailureRepository) UpdateAnalysisStatus(ctx context.Context, id uuid.UUID, status models.AnalysisStatus) error {
	query := `UPDATE engine_execution_failures SET analysis_status = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update analysis status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *executionFailureRepository) OwnerOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	query := `
		SELECT i.owner_id
		FROM engine_execution_failures f
		JOIN engine_instances i ON i.id = f.instance_id
		WHERE f.id = $1`

	var ownerID uuid.UUID
	err := r.db.QueryRow(ctx, query, id).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, apperrors.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to get failure owner: %w", err)
	}
	return ownerID, nil
}

func scanFailure(row pgx.Row) (*models.ExecutionFailure, error) {
	var f models.ExecutionFailure
	err := row.Scan(
		&f.ID,
		&f.InstanceID,
		&f.WorkflowRemoteID,
		&f.ExecutionID,
		&f.ErrorPayload,
		&f.DetectedAt,
		&f.AnalysisStatus,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func collectFailures(rows pgx.Rows) ([]*models.ExecutionFailure, error) {
	var failures []*models.ExecutionFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure record: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure records: %w", err)
	}
	return failures, nil
}

// Ensure executionFailureRepository implements ExecutionFailureRepository at compile time.
var _ ExecutionFailureRepository = (*executionFailureRepository)(nil)
