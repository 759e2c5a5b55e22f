package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/apperrors"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/connector"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/events"
	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// fakeInstanceRepo covers the slice of InstanceRepository the engine touches.
type fakeInstanceRepo struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*models.Instance
}

func newFakeInstanceRepo() *fakeInstanceRepo {
	return &fakeInstanceRepo{instances: make(map[uuid.UUID]*models.Instance)}
}

func (f *fakeInstanceRepo) Create(ctx context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	f.instances[inst.ID] = inst
	return nil
}

func (f *fakeInstanceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return inst, nil
}

func (f *fakeInstanceRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceRepo) ListAll(ctx context.Context) ([]*models.Instance, error) {
	return nil, nil
}

func (f *fakeInstanceRepo) UpdateProbeState(ctx context.Context, inst *models.Instance) error {
	return nil
}

func (f *fakeInstanceRepo) UpdateWatermark(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	inst.LastSyncedAt = &syncedAt
	return nil
}

func (f *fakeInstanceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return nil
}

// fakeWorkflowRepo stores records in memory keyed by (instance, remote id).
type fakeWorkflowRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]map[string]*models.WorkflowRecord
}

func newFakeWorkflowRepo() *fakeWorkflowRepo {
	return &fakeWorkflowRepo{records: make(map[uuid.UUID]map[string]*models.WorkflowRecord)}
}

func (f *fakeWorkflowRepo) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]*models.WorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkflowRecord
	for _, rec := range f.records[instanceID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeWorkflowRepo) ApplyDelta(ctx context.Context, instanceID uuid.UUID, added, updated []*models.WorkflowRecord, removedRemoteIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byRemote := f.records[instanceID]
	if byRemote == nil {
		byRemote = make(map[string]*models.WorkflowRecord)
		f.records[instanceID] = byRemote
	}
	for _, rec := range added {
		rec.ID = uuid.New()
		rec.InstanceID = instanceID
		cp := *rec
		cp.Removed = false
		byRemote[rec.RemoteID] = &cp
	}
	for _, rec := range updated {
		stored, ok := byRemote[rec.RemoteID]
		if !ok {
			continue
		}
		stored.Name = rec.Name
		stored.Active = rec.Active
		stored.Removed = false
		stored.RemoteUpdatedAt = rec.RemoteUpdatedAt
	}
	for _, remoteID := range removedRemoteIDs {
		if stored, ok := byRemote[remoteID]; ok {
			stored.Removed = true
		}
	}
	return nil
}

// fakeFailureRepo enforces the (instance, execution) uniqueness the real
// table carries.
type fakeFailureRepo struct {
	mu       sync.Mutex
	failures map[uuid.UUID]*models.ExecutionFailure
}

func newFakeFailureRepo() *fakeFailureRepo {
	return &fakeFailureRepo{failures: make(map[uuid.UUID]*models.ExecutionFailure)}
}

func (f *fakeFailureRepo) Create(ctx context.Context, failure *models.ExecutionFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.failures {
		if existing.InstanceID == failure.InstanceID && existing.ExecutionID == failure.ExecutionID {
			return apperrors.ErrConflict
		}
	}
	failure.ID = uuid.New()
	if failure.AnalysisStatus == "" {
		failure.AnalysisStatus = models.AnalysisStatusUnanalyzed
	}
	cp := *failure
	f.failures[failure.ID] = &cp
	return nil
}

func (f *fakeFailureRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failure, ok := f.failures[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *failure
	return &cp, nil
}

func (f *fakeFailureRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.ExecutionFailure, error) {
	return nil, nil
}

func (f *fakeFailureRepo) ListByStatus(ctx context.Context, status models.AnalysisStatus) ([]*models.ExecutionFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ExecutionFailure
	for _, failure := range f.failures {
		if failure.AnalysisStatus == status {
			cp := *failure
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeFailureRepo) UpdateAnalysisStatus(ctx context.Context, id uuid.UUID, status models.AnalysisStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	failure, ok := f.failures[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	failure.AnalysisStatus = status
	return nil
}

func (f *fakeFailureRepo) OwnerOf(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return uuid.Nil, apperrors.ErrNotFound
}

// fakeEnqueuer records enqueue calls.
type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, failureID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, failureID)
	return nil
}

type engineFixture struct {
	engine      *Engine
	instances   *fakeInstanceRepo
	workflows   *fakeWorkflowRepo
	failures    *fakeFailureRepo
	queue       *fakeEnqueuer
	broadcaster *events.Broadcaster
	mock        *connector.MockConnector
	inst        *models.Instance
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		instances:   newFakeInstanceRepo(),
		workflows:   newFakeWorkflowRepo(),
		failures:    newFakeFailureRepo(),
		queue:       &fakeEnqueuer{},
		broadcaster: events.NewBroadcaster(nil, zap.NewNop()),
		mock:        connector.NewMockConnector(),
	}
	t.Cleanup(f.broadcaster.Close)
	f.engine = New(f.instances, f.workflows, f.failures, f.mock, f.queue, f.broadcaster, zap.NewNop())

	f.inst = &models.Instance{
		OwnerID:  uuid.New(),
		Name:     "prod",
		Endpoint: "https://flows.example.com",
		Status:   models.InstanceStatusConnected,
	}
	require.NoError(t, f.instances.Create(context.Background(), f.inst))
	return f
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSyncColdStart(t *testing.T) {
	f := newFixture(t)
	started := time.Now().Add(-10 * time.Minute)
	stopped := started.Add(time.Minute)

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{
			{ID: "wf-1", Name: "Order intake", Active: true},
			{ID: "wf-2", Name: "Invoice export", Active: false},
		}, nil
	}
	f.mock.ListRecentExecutionsFunc = func(ctx context.Context, instance *models.Instance, since time.Time) ([]connector.ExecutionSnapshot, error) {
		return []connector.ExecutionSnapshot{
			{ID: "ex-1", WorkflowID: "wf-1", Status: "success", StartedAt: started},
			{ID: "ex-2", WorkflowID: "wf-1", Status: "error", StartedAt: started, StoppedAt: timePtr(stopped), Error: "node timeout"},
		}, nil
	}

	delta, err := f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)
	assert.Equal(t, 2, delta.Added)
	assert.Equal(t, 0, delta.Updated)
	assert.Equal(t, 0, delta.Removed)
	assert.NoError(t, delta.Err)

	require.Len(t, delta.NewFailures, 1)
	failure := delta.NewFailures[0]
	assert.Equal(t, "ex-2", failure.ExecutionID)
	assert.Equal(t, "wf-1", failure.WorkflowRemoteID)
	assert.Equal(t, models.AnalysisStatusUnanalyzed, failure.AnalysisStatus)
	assert.Equal(t, stopped, failure.DetectedAt)

	assert.Equal(t, 1, delta.Enqueued)
	assert.Equal(t, []uuid.UUID{failure.ID}, f.queue.calls)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	started := time.Now().Add(-10 * time.Minute)

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{{ID: "wf-1", Name: "Order intake", Active: true}}, nil
	}
	f.mock.ListRecentExecutionsFunc = func(ctx context.Context, instance *models.Instance, since time.Time) ([]connector.ExecutionSnapshot, error) {
		all := []connector.ExecutionSnapshot{
			{ID: "ex-1", WorkflowID: "wf-1", Status: "crashed", StartedAt: started, Error: "oom"},
		}
		var out []connector.ExecutionSnapshot
		for _, exec := range all {
			if exec.StartedAt.After(since) {
				out = append(out, exec)
			}
		}
		return out, nil
	}

	first, err := f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)
	assert.Len(t, first.NewFailures, 1)

	second, err := f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)
	assert.False(t, second.Changed(), "second pass against unchanged remote must be empty")
	assert.Empty(t, second.NewFailures)
	assert.Len(t, f.queue.calls, 1, "no re-enqueue on repeated pass")
}

func TestSyncAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	latest := time.Now().Add(-time.Minute)

	f.mock.ListRecentExecutionsFunc = func(ctx context.Context, instance *models.Instance, since time.Time) ([]connector.ExecutionSnapshot, error) {
		return []connector.ExecutionSnapshot{
			{ID: "ex-1", WorkflowID: "wf-1", Status: "success", StartedAt: latest.Add(-time.Hour)},
			{ID: "ex-2", WorkflowID: "wf-1", Status: "success", StartedAt: latest},
		}, nil
	}

	_, err := f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)

	require.NotNil(t, f.inst.LastSyncedAt)
	assert.Equal(t, latest, *f.inst.LastSyncedAt)

	stored, err := f.instances.GetByID(context.Background(), f.inst.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncedAt)
	assert.Equal(t, latest, *stored.LastSyncedAt)
}

func TestSyncPartialFailureKeepsWorkflowDelta(t *testing.T) {
	f := newFixture(t)

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{{ID: "wf-1", Name: "Order intake", Active: true}}, nil
	}
	f.mock.ListRecentExecutionsFunc = func(ctx context.Context, instance *models.Instance, since time.Time) ([]connector.ExecutionSnapshot, error) {
		return nil, connector.NewError(connector.KindUnreachable, "connection reset", nil)
	}

	delta, err := f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)
	assert.Equal(t, 1, delta.Added, "workflow reconciliation must survive the execution fetch failure")
	assert.Error(t, delta.Err)
	assert.Nil(t, f.inst.LastSyncedAt, "watermark must not advance on a failed execution fetch")
}

func TestSyncWorkflowFetchFailureAbortsPass(t *testing.T) {
	f := newFixture(t)

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return nil, connector.NewError(connector.KindUnreachable, "connection refused", nil)
	}

	_, err := f.engine.Sync(context.Background(), f.inst)
	require.Error(t, err)
	assert.Equal(t, 0, f.mock.ListRecentExecutionsCalls)
}

func TestSyncSoftRemovesMissingWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workflows.ApplyDelta(ctx, f.inst.ID, []*models.WorkflowRecord{
		{RemoteID: "wf-1", Name: "Order intake", Active: true},
		{RemoteID: "wf-2", Name: "Invoice export", Active: true},
	}, nil, nil))

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{{ID: "wf-1", Name: "Order intake", Active: true}}, nil
	}

	delta, err := f.engine.Sync(ctx, f.inst)
	require.NoError(t, err)
	assert.Equal(t, 1, delta.Removed)

	records, err := f.workflows.ListByInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.RemoteID == "wf-2" {
			assert.True(t, rec.Removed, "missing workflow should be soft-removed, not deleted")
		}
	}
}

func TestSyncDetectsWorkflowChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workflows.ApplyDelta(ctx, f.inst.ID, []*models.WorkflowRecord{
		{RemoteID: "wf-1", Name: "Order intake", Active: true},
	}, nil, nil))

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{{ID: "wf-1", Name: "Order intake v2", Active: false}}, nil
	}

	delta, err := f.engine.Sync(ctx, f.inst)
	require.NoError(t, err)
	assert.Equal(t, 1, delta.Updated)

	records, err := f.workflows.ListByInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Order intake v2", records[0].Name)
	assert.False(t, records[0].Active)
}

func TestSyncReAddsRestoredWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workflows.ApplyDelta(ctx, f.inst.ID, []*models.WorkflowRecord{
		{RemoteID: "wf-1", Name: "Order intake", Active: true},
	}, nil, nil))
	require.NoError(t, f.workflows.ApplyDelta(ctx, f.inst.ID, nil, nil, []string{"wf-1"}))

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{{ID: "wf-1", Name: "Order intake", Active: true}}, nil
	}

	delta, err := f.engine.Sync(ctx, f.inst)
	require.NoError(t, err)
	assert.Equal(t, 1, delta.Added)

	records, err := f.workflows.ListByInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Removed)
}

func TestSyncPublishesWorkflowDelta(t *testing.T) {
	f := newFixture(t)
	sub := f.broadcaster.Subscribe(f.inst.OwnerID)

	f.mock.ListWorkflowsFunc = func(ctx context.Context, instance *models.Instance) ([]connector.WorkflowSnapshot, error) {
		return []connector.WorkflowSnapshot{{ID: "wf-1", Name: "Order intake", Active: true}}, nil
	}

	_, err := f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)

	select {
	case event := <-sub.C:
		assert.Equal(t, models.EventWorkflowDelta, event.Kind)
		payload, ok := event.Payload.(DeltaPayload)
		require.True(t, ok)
		assert.Equal(t, 1, payload.Added)
	case <-time.After(time.Second):
		t.Fatal("expected a workflow delta event")
	}

	// Unchanged second pass publishes nothing.
	_, err = f.engine.Sync(context.Background(), f.inst)
	require.NoError(t, err)
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event on empty delta: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
