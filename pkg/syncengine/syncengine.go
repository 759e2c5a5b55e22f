// Package syncengine reconciles the local cache of workflows and failed
// executions against what each remote instance reports. It owns workflow
// records and failure record creation; instance status belongs to the
// registry and analysis lifecycle to the queue.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/connector"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/events"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/logging"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/repositories"
)

// Enqueuer accepts newly detected failures for AI analysis. Implemented by
// the analysis queue; declared here so the engine can be tested without it.
type Enqueuer interface {
	Enqueue(ctx context.Context, failureID uuid.UUID) error
}

// SyncDelta summarizes one reconciliation pass. Err carries a partial
// failure: workflow records were reconciled but the execution fetch failed,
// so failure detection for this pass is incomplete.
type SyncDelta struct {
	InstanceID  uuid.UUID
	Added       int
	Updated     int
	Removed     int
	NewFailures []*models.ExecutionFailure
	Enqueued    int
	Err         error
}

// Changed returns true if the pass changed any workflow record.
func (d *SyncDelta) Changed() bool {
	return d.Added > 0 || d.Updated > 0 || d.Removed > 0
}

// DeltaPayload is the event payload for WORKFLOW_DELTA.
type DeltaPayload struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// Engine performs per-instance sync passes.
type Engine struct {
	instances   repositories.InstanceRepository
	workflows   repositories.WorkflowRecordRepository
	failures    repositories.ExecutionFailureRepository
	conn        connector.Connector
	queue       Enqueuer
	broadcaster *events.Broadcaster
	logger      *zap.Logger
}

// New creates a sync engine.
func New(
	instances repositories.InstanceRepository,
	workflows repositories.WorkflowRecordRepository,
	failures repositories.ExecutionFailureRepository,
	conn connector.Connector,
	queue Enqueuer,
	broadcaster *events.Broadcaster,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		instances:   instances,
		workflows:   workflows,
		failures:    failures,
		conn:        conn,
		queue:       queue,
		broadcaster: broadcaster,
		logger:      logger.Named("syncengine"),
	}
}

// Sync reconciles one instance. A repeated pass against an unchanged remote
// yields an empty delta. When the workflow fetch itself fails nothing is
// synced and an error is returned; when only the execution fetch fails the
// workflow reconciliation stands and the delta carries the failure in Err.
func (e *Engine) Sync(ctx context.Context, inst *models.Instance) (*SyncDelta, error) {
	delta := &SyncDelta{InstanceID: inst.ID}

	remote, err := e.conn.ListWorkflows(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflows: %w", err)
	}

	if err := e.reconcileWorkflows(ctx, inst, remote, delta); err != nil {
		return nil, err
	}

	if delta.Changed() {
		e.broadcaster.Publish(ctx, models.Event{
			Kind:       models.EventWorkflowDelta,
			OwnerID:    inst.OwnerID,
			InstanceID: inst.ID,
			Payload: DeltaPayload{
				Added:   delta.Added,
				Updated: delta.Updated,
				Removed: delta.Removed,
			},
		})
	}

	if err := e.detectFailures(ctx, inst, delta); err != nil {
		delta.Err = err
		e.logger.Warn("execution fetch failed, failure detection incomplete",
			zap.String("instance_id", inst.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}

	e.logger.Debug("sync pass complete",
		zap.String("instance_id", inst.ID.String()),
		zap.Int("added", delta.Added),
		zap.Int("updated", delta.Updated),
		zap.Int("removed", delta.Removed),
		zap.Int("new_failures", len(delta.NewFailures)))

	return delta, nil
}

// reconcileWorkflows diffs the remote workflow list against the local cache
// and applies the difference atomically.
func (e *Engine) reconcileWorkflows(ctx context.Context, inst *models.Instance, remote []connector.WorkflowSnapshot, delta *SyncDelta) error {
	cached, err := e.workflows.ListByInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to load cached workflows: %w", err)
	}

	cachedByRemoteID := make(map[string]*models.WorkflowRecord, len(cached))
	for _, rec := range cached {
		cachedByRemoteID[rec.RemoteID] = rec
	}

	var added, updated []*models.WorkflowRecord
	seen := make(map[string]bool, len(remote))
	for _, snap := range remote {
		seen[snap.ID] = true
		rec := &models.WorkflowRecord{
			RemoteID:        snap.ID,
			Name:            snap.Name,
			Active:          snap.Active,
			RemoteUpdatedAt: snap.UpdatedAt,
		}

		existing, ok := cachedByRemoteID[snap.ID]
		switch {
		case !ok || existing.Removed:
			// New, or previously soft-removed and back on the instance.
			added = append(added, rec)
		case workflowChanged(existing, &snap):
			updated = append(updated, rec)
		}
	}

	var removedRemoteIDs []string
	for _, rec := range cached {
		if !rec.Removed && !seen[rec.RemoteID] {
			removedRemoteIDs = append(removedRemoteIDs, rec.RemoteID)
		}
	}

	if err := e.workflows.ApplyDelta(ctx, inst.ID, added, updated, removedRemoteIDs); err != nil {
		return fmt.Errorf("failed to apply workflow delta: %w", err)
	}

	delta.Added = len(added)
	delta.Updated = len(updated)
	delta.Removed = len(removedRemoteIDs)
	return nil
}

// detectFailures fetches executions past the instance watermark, records the
// failed ones and enqueues them for analysis.
func (e *Engine) detectFailures(ctx context.Context, inst *models.Instance, delta *SyncDelta) error {
	var since time.Time
	if inst.LastSyncedAt != nil {
		since = *inst.LastSyncedAt
	}

	executions, err := e.conn.ListRecentExecutions(ctx, inst, since)
	if err != nil {
		return fmt.Errorf("failed to fetch executions: %w", err)
	}

	watermark := since
	for i := range executions {
		exec := &executions[i]
		if exec.StartedAt.After(watermark) {
			watermark = exec.StartedAt
		}
		if !exec.Failed() {
			continue
		}

		failure := &models.ExecutionFailure{
			InstanceID:       inst.ID,
			WorkflowRemoteID: exec.WorkflowID,
			ExecutionID:      exec.ID,
			ErrorPayload:     exec.Error,
			DetectedAt:       detectedAt(exec),
			AnalysisStatus:   models.AnalysisStatusUnanalyzed,
		}
		if err := e.failures.Create(ctx, failure); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				// Already captured on an earlier pass.
				continue
			}
			return fmt.Errorf("failed to record execution failure: %w", err)
		}
		delta.NewFailures = append(delta.NewFailures, failure)

		if err := e.queue.Enqueue(ctx, failure.ID); err != nil {
			if !errors.Is(err, apperrors.ErrAlreadyQueued) {
				e.logger.Warn("failed to enqueue failure for analysis",
					zap.String("failure_id", failure.ID.String()),
					zap.String("error", logging.SanitizeError(err)))
			}
			continue
		}
		delta.Enqueued++
	}

	if watermark.After(since) {
		if err := e.instances.UpdateWatermark(ctx, inst.ID, watermark); err != nil {
			return fmt.Errorf("failed to advance sync watermark: %w", err)
		}
		inst.LastSyncedAt = &watermark
	}
	return nil
}

// workflowChanged reports whether the remote snapshot differs from the cache.
func workflowChanged(rec *models.WorkflowRecord, snap *connector.WorkflowSnapshot) bool {
	if rec.Name != snap.Name || rec.Active != snap.Active {
		return true
	}
	switch {
	case rec.RemoteUpdatedAt == nil && snap.UpdatedAt == nil:
		return false
	case rec.RemoteUpdatedAt == nil || snap.UpdatedAt == nil:
		return true
	default:
		return !rec.RemoteUpdatedAt.Equal(*snap.UpdatedAt)
	}
}

// detectedAt picks the failure timestamp: when the run stopped, or started
// if the instance never reported a stop time.
func detectedAt(exec *connector.ExecutionSnapshot) time.Time {
	if exec.StoppedAt != nil {
		return *exec.StoppedAt
	}
	return exec.StartedAt
}
