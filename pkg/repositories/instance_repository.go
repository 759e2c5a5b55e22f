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

const instanceColumns = `id, owner_id, name, endpoint, api_key, status, consecutive_failures,
	last_probed_at, last_synced_at, last_error, created_at, updated_at`

// InstanceRepository defines the interface for instance data access.
type InstanceRepository interface {
	// Create inserts a new instance. Returns apperrors.ErrConflict if the
	// owner already registered the endpoint.
	Create(ctx context.Context, inst *models.Instance) error

	// GetByID retrieves an instance by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error)

	// ListByOwner retrieves all instances registered by an owner.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Instance, error)

	// ListAll retrieves every registered instance (scheduler probe set).
	ListAll(ctx context.Context) ([]*models.Instance, error)

	// UpdateProbeState persists the outcome of a probe cycle: status,
	// consecutive failure count, last error and probe timestamp.
	UpdateProbeState(ctx context.Context, inst *models.Instance) error

	// UpdateWatermark advances the execution sync watermark.
	UpdateWatermark(ctx context.Context, id uuid.UUID, syncedAt time.Time) error

	// Delete removes an instance; cached workflow records and failures cascade.
	Delete(ctx context.Context, id uuid.UUID) error
}

// instanceRepository implements InstanceRepository using PostgreSQL.
type instanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *database.DB) InstanceRepository {
	return &instanceRepository{db: db}
}

func (r *instanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	now := time.Now()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if inst.Status == "" {
		inst.Status = models.InstanceStatusPending
	}

	query := `
		INSERT INTO engine_instances (owner_id, name, endpoint, api_key, status, consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		inst.OwnerID,
		inst.Name,
		inst.Endpoint,
		inst.APIKey,
		inst.Status,
		inst.ConsecutiveFailures,
		inst.CreatedAt,
		inst.UpdatedAt,
	).Scan(&inst.ID)
	if err != nil {
		// Unique constraint violation (PostgreSQL error code 23505)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

func (r *instanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM engine_instances WHERE id = $1`, instanceColumns)

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

func (r *instanceRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM engine_instances WHERE owner_id = $1 ORDER BY created_at DESC`, instanceColumns)

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

func (r *instanceRepository) ListAll(ctx context.Context) ([]*models.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM engine_instances ORDER BY created_at`, instanceColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

func (r *instanceRepository) UpdateProbeState(ctx context.Context, inst *models.Instance) error {
	query := `
		UPDATE engine_instances
		SET status = $2, consecutive_failures = $3, last_probed_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		inst.ID,
		inst.Status,
		inst.ConsecutiveFailures,
		inst.LastProbedAt,
		inst.LastError,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update probe state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *instanceRepository) UpdateWatermark(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	query := `UPDATE engine_instances SET last_synced_at = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, syncedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *instanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM engine_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// scanInstance scans one instance row.
func scanInstance(row pgx.Row) (*models.Instance, error) {
	var inst models.Instance
	err := row.Scan(
		&inst.ID,
		&inst.OwnerID,
		&inst.Name,
		&inst.Endpoint,
		&inst.APIKey,
		&inst.Status,
		&inst.ConsecutiveFailures,
		&inst.LastProbedAt,
		&inst.LastSyncedAt,
		&inst.LastError,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func collectInstances(rows pgx.Rows) ([]*models.Instance, error) {
	var instances []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// Ensure instanceRepository implements InstanceRepository at compile time.
var _ InstanceRepository = (*instanceRepository)(nil)
