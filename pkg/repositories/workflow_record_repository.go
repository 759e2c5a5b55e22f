package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/database"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// WorkflowRecordRepository defines the interface for cached workflow data access.
type WorkflowRecordRepository interface {
	// ListByInstance retrieves all cached records for an instance,
	// including soft-removed ones.
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.WorkflowRecord, error)

	// ApplyDelta applies one reconciliation pass atomically: inserts
	// additions, updates changed records, soft-removes records whose remote
	// counterpart disappeared. Readers never observe a half-applied delta.
	ApplyDelta(ctx context.Context, instanceID uuid.UUID, added, updated []*models.WorkflowRecord, removedRemoteIDs []string) error
}

// workflowRecordRepository implements WorkflowRecordRepository using PostgreSQL.
type workflowRecordRepository struct {
	db *database.DB
}

// NewWorkflowRecordRepository creates a new workflow record repository.
func NewWorkflowRecordRepository(db *database.DB) WorkflowRecordRepository {
	return &workflowRecordRepository{db: db}
}

func (r *workflowRecordRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.WorkflowRecord, error) {
	query := `
		SELECT id, instance_id, remote_id, name, active, removed, remote_updated_at, created_at, updated_at
		FROM engine_workflow_records
		WHERE instance_id = $1
		ORDER BY name`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow records: %w", err)
	}
	defer rows.Close()

	var records []*models.WorkflowRecord
	for rows.Next() {
		var rec models.WorkflowRecord
		err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&rec.RemoteID,
			&rec.Name,
			&rec.Active,
			&rec.Removed,
			&rec.RemoteUpdatedAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow records: %w", err)
	}

	return records, nil
}

func (r *workflowRecordRepository) ApplyDelta(ctx context.Context, instanceID uuid.UUID, added, updated []*models.WorkflowRecord, removedRemoteIDs []string) error {
	if len(added) == 0 && len(updated) == 0 && len(removedRemoteIDs) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	now := time.Now()

	for _, rec := range added {
		rec.InstanceID = instanceID
		rec.CreatedAt = now
		rec.UpdatedAt = now
		err := tx.QueryRow(ctx, `
			INSERT INTO engine_workflow_records (instance_id, remote_id, name, active, removed, remote_updated_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, false, $5, $6, $7)
			ON CONFLICT (instance_id, remote_id) DO UPDATE
			SET name = EXCLUDED.name, active = EXCLUDED.active, removed = false,
			    remote_updated_at = EXCLUDED.remote_updated_at, updated_at = EXCLUDED.updated_at
			RETURNING id`,
			instanceID, rec.RemoteID, rec.Name, rec.Active, rec.RemoteUpdatedAt, rec.CreatedAt, rec.UpdatedAt,
		).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to insert workflow record %s: %w", rec.RemoteID, err)
		}
	}

	for _, rec := range updated {
		rec.UpdatedAt = now
		_, err := tx.Exec(ctx, `
			UPDATE engine_workflow_records
			SET name = $3, active = $4, removed = false, remote_updated_at = $5, updated_at = $6
			WHERE instance_id = $1 AND remote_id = $2`,
			instanceID, rec.RemoteID, rec.Name, rec.Active, rec.RemoteUpdatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update workflow record %s: %w", rec.RemoteID, err)
		}
	}

	if len(removedRemoteIDs) > 0 {
		_, err := tx.Exec(ctx, `
			UPDATE engine_workflow_records
			SET removed = true, updated_at = $3
			WHERE instance_id = $1 AND remote_id = ANY($2)`,
			instanceID, removedRemoteIDs, now,
		)
		if err != nil {
			return fmt.Errorf("failed to mark workflow records removed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit workflow delta: %w", err)
	}
	return nil
}

// Ensure workflowRecordRepository implements WorkflowRecordRepository at compile time.
var _ WorkflowRecordRepository = (*workflowRecordRepository)(nil)
