// Package registry owns instance records and their status transitions.
// Nothing else mutates instance status: probe cycles and explicit reconnects
// both go through here, so the state machine is enforced in one place.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/config"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/connector"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/events"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/logging"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/repositories"
)

// StatusChangePayload is the event payload for INSTANCE_STATUS_CHANGED.
type StatusChangePayload struct {
	Previous models.InstanceStatus `json:"previous"`
	Current  models.InstanceStatus `json:"current"`
	Reason   string                `json:"reason,omitempty"`
}

// Registry manages the lifecycle of registered instances.
type Registry struct {
	instances   repositories.InstanceRepository
	conn        connector.Connector
	broadcaster *events.Broadcaster
	logger      *zap.Logger

	probeTimeout time.Duration
}

// New creates an instance registry.
func New(
	instances repositories.InstanceRepository,
	conn connector.Connector,
	broadcaster *events.Broadcaster,
	probeTimeout time.Duration,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		instances:    instances,
		conn:         conn,
		broadcaster:  broadcaster,
		probeTimeout: probeTimeout,
		logger:       logger.Named("registry"),
	}
}

// Register creates a new instance in pending state and probes it once so the
// dashboard gets connection feedback without waiting for the next scheduler
// tick. Returns apperrors.ErrInvalidEndpoint on a malformed endpoint and
// apperrors.ErrConflict when the owner already registered the endpoint.
func (r *Registry) Register(ctx context.Context, ownerID uuid.UUID, name, endpoint, apiKey string) (*models.Instance, error) {
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidEndpoint, err)
	}

	inst := &models.Instance{
		OwnerID:  ownerID,
		Name:     name,
		Endpoint: endpoint,
		APIKey:   apiKey,
		Status:   models.InstanceStatusPending,
	}
	if err := r.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	r.logger.Info("instance registered",
		zap.String("instance_id", inst.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("name", name))

	if err := r.ProbeInstance(ctx, inst); err != nil {
		// Registration already succeeded; the probe result is advisory.
		r.logger.Warn("initial probe failed",
			zap.String("instance_id", inst.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}
	return inst, nil
}

// Get retrieves one instance, scoped to its owner.
func (r *Registry) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Instance, error) {
	inst, err := r.instances.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	return inst, nil
}

// List retrieves all instances registered by an owner.
func (r *Registry) List(ctx context.Context, ownerID uuid.UUID) ([]*models.Instance, error) {
	return r.instances.ListByOwner(ctx, ownerID)
}

// Delete removes an instance and its cached records.
func (r *Registry) Delete(ctx context.Context, ownerID, id uuid.UUID) error {
	if _, err := r.Get(ctx, ownerID, id); err != nil {
		return err
	}
	return r.instances.Delete(ctx, id)
}

// Reconnect resets an instance out of the error state and probes it
// immediately. This is the only path out of error: automatic probe cycles
// skip over it. Reconnecting a healthy instance just forces a fresh probe.
func (r *Registry) Reconnect(ctx context.Context, ownerID, id uuid.UUID) (*models.Instance, error) {
	inst, err := r.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if inst.Status == models.InstanceStatusError {
		previous := inst.Status
		inst.Status = models.InstanceStatusPending
		inst.ConsecutiveFailures = 0
		inst.LastError = nil
		if err := r.instances.UpdateProbeState(ctx, inst); err != nil {
			return nil, err
		}
		r.publishStatusChange(ctx, inst, previous, "explicit reconnect")
	}

	if err := r.ProbeInstance(ctx, inst); err != nil {
		r.logger.Warn("reconnect probe failed",
			zap.String("instance_id", inst.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}
	return inst, nil
}

// ProbeAll probes every registered instance with at most limit in flight.
// Instances in error state are skipped; they wait for an explicit reconnect.
// Individual probe failures are recorded on the instance, never returned.
func (r *Registry) ProbeAll(ctx context.Context, limit int) error {
	instances, err := r.instances.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances for probe: %w", err)
	}
	if limit < 1 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, inst := range instances {
		if inst.Status == models.InstanceStatusError {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(inst *models.Instance) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := r.ProbeInstance(ctx, inst); err != nil {
				r.logger.Warn("probe failed",
					zap.String("instance_id", inst.ID.String()),
					zap.String("error", logging.SanitizeError(err)))
			}
		}(inst)
	}
	wg.Wait()
	return nil
}

// ProbeInstance performs one health probe and applies the outcome to the
// instance's status. The instance is mutated in place and persisted.
func (r *Registry) ProbeInstance(ctx context.Context, inst *models.Instance) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	outcome, probeErr := r.conn.Probe(probeCtx, inst)
	previous := inst.Status
	now := time.Now()
	inst.LastProbedAt = &now

	switch outcome {
	case connector.ProbeHealthy:
		inst.ConsecutiveFailures = 0
		inst.LastError = nil
		if inst.Status != models.InstanceStatusConnected && inst.Status.CanTransitionTo(models.InstanceStatusConnected) {
			inst.Status = models.InstanceStatusConnected
		}

	case connector.ProbeAuthRejected:
		msg := logging.SanitizeError(probeErr)
		inst.LastError = &msg
		if inst.Status.CanTransitionTo(models.InstanceStatusError) {
			inst.Status = models.InstanceStatusError
		}

	case connector.ProbeUnreachable:
		inst.ConsecutiveFailures++
		msg := logging.SanitizeError(probeErr)
		inst.LastError = &msg
		if inst.ConsecutiveFailures >= models.DisconnectThreshold &&
			inst.Status != models.InstanceStatusDisconnected &&
			inst.Status.CanTransitionTo(models.InstanceStatusDisconnected) {
			inst.Status = models.InstanceStatusDisconnected
		}
	}

	if err := r.instances.UpdateProbeState(ctx, inst); err != nil {
		return fmt.Errorf("failed to persist probe outcome: %w", err)
	}

	if inst.Status != previous {
		r.logger.Info("instance status changed",
			zap.String("instance_id", inst.ID.String()),
			zap.String("previous", string(previous)),
			zap.String("current", string(inst.Status)))
		r.publishStatusChange(ctx, inst, previous, string(outcome))
	}

	return probeErr
}

func (r *Registry) publishStatusChange(ctx context.Context, inst *models.Instance, previous models.InstanceStatus, reason string) {
	r.broadcaster.Publish(ctx, models.Event{
		Kind:       models.EventInstanceStatusChanged,
		OwnerID:    inst.OwnerID,
		InstanceID: inst.ID,
		Payload: StatusChangePayload{
			Previous: previous,
			Current:  inst.Status,
			Reason:   reason,
		},
	})
}
