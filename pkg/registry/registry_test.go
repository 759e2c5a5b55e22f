package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

// fakeInstanceRepo is an in-memory InstanceRepository for unit tests.
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
	for _, existing := range f.instances {
		if existing.OwnerID == inst.OwnerID && existing.Endpoint == inst.Endpoint {
			return apperrors.ErrConflict
		}
	}
	inst.ID = uuid.New()
	cp := *inst
	f.instances[inst.ID] = &cp
	return nil
}

func (f *fakeInstanceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeInstanceRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Instance
	for _, inst := range f.instances {
		if inst.OwnerID == ownerID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeInstanceRepo) ListAll(ctx context.Context) ([]*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Instance
	for _, inst := range f.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeInstanceRepo) UpdateProbeState(ctx context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.instances[inst.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	stored.Status = inst.Status
	stored.ConsecutiveFailures = inst.ConsecutiveFailures
	stored.LastProbedAt = inst.LastProbedAt
	stored.LastError = inst.LastError
	return nil
}

func (f *fakeInstanceRepo) UpdateWatermark(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.instances[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	stored.LastSyncedAt = &syncedAt
	return nil
}

func (f *fakeInstanceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(f.instances, id)
	return nil
}

func newTestRegistry(t *testing.T, conn connector.Connector) (*Registry, *fakeInstanceRepo, *events.Broadcaster) {
	t.Helper()
	repo := newFakeInstanceRepo()
	broadcaster := events.NewBroadcaster(nil, zap.NewNop())
	t.Cleanup(broadcaster.Close)
	reg := New(repo, conn, broadcaster, time.Second, zap.NewNop())
	return reg, repo, broadcaster
}

func TestRegisterProbesImmediately(t *testing.T) {
	mock := connector.NewMockConnector()
	reg, _, broadcaster := newTestRegistry(t, mock)

	owner := uuid.New()
	sub := broadcaster.Subscribe(owner)

	inst, err := reg.Register(context.Background(), owner, "prod", "https://flows.example.com", "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusConnected, inst.Status)
	assert.Equal(t, 1, mock.ProbeCalls)

	select {
	case event := <-sub.C:
		assert.Equal(t, models.EventInstanceStatusChanged, event.Kind)
		assert.Equal(t, inst.ID, event.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("expected a status change event")
	}
}

func TestRegisterRejectsMalformedEndpoint(t *testing.T) {
	reg, _, _ := newTestRegistry(t, connector.NewMockConnector())

	_, err := reg.Register(context.Background(), uuid.New(), "bad", "not-a-url", "key")
	assert.ErrorIs(t, err, apperrors.ErrInvalidEndpoint)
}

func TestRegisterDuplicateEndpointConflicts(t *testing.T) {
	reg, _, _ := newTestRegistry(t, connector.NewMockConnector())

	owner := uuid.New()
	_, err := reg.Register(context.Background(), owner, "one", "https://flows.example.com", "key")
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), owner, "two", "https://flows.example.com", "key")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestConsecutiveUnreachableDisconnects(t *testing.T) {
	mock := connector.NewMockConnector()
	mock.ProbeFunc = func(ctx context.Context, instance *models.Instance) (connector.ProbeOutcome, error) {
		return connector.ProbeUnreachable, connector.NewError(connector.KindUnreachable, "connection refused", nil)
	}
	reg, repo, _ := newTestRegistry(t, mock)

	inst := &models.Instance{OwnerID: uuid.New(), Name: "flaky", Endpoint: "https://a.example.com", Status: models.InstanceStatusConnected}
	require.NoError(t, repo.Create(context.Background(), inst))

	for i := 1; i < models.DisconnectThreshold; i++ {
		reg.ProbeInstance(context.Background(), inst) //nolint:errcheck
		assert.Equal(t, models.InstanceStatusConnected, inst.Status, "probe %d should not disconnect yet", i)
	}

	reg.ProbeInstance(context.Background(), inst) //nolint:errcheck
	assert.Equal(t, models.InstanceStatusDisconnected, inst.Status)

	stored, err := repo.GetByID(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusDisconnected, stored.Status)
	assert.Equal(t, models.DisconnectThreshold, stored.ConsecutiveFailures)
	require.NotNil(t, stored.LastError)
}

func TestSingleSuccessReconnectsDisconnected(t *testing.T) {
	mock := connector.NewMockConnector()
	reg, repo, _ := newTestRegistry(t, mock)

	inst := &models.Instance{
		OwnerID:             uuid.New(),
		Name:                "recovering",
		Endpoint:            "https://a.example.com",
		Status:              models.InstanceStatusDisconnected,
		ConsecutiveFailures: 5,
	}
	require.NoError(t, repo.Create(context.Background(), inst))

	require.NoError(t, reg.ProbeInstance(context.Background(), inst))
	assert.Equal(t, models.InstanceStatusConnected, inst.Status)
	assert.Equal(t, 0, inst.ConsecutiveFailures)
	assert.Nil(t, inst.LastError)
}

func TestAuthRejectionForcesError(t *testing.T) {
	mock := connector.NewMockConnector()
	mock.ProbeFunc = func(ctx context.Context, instance *models.Instance) (connector.ProbeOutcome, error) {
		return connector.ProbeAuthRejected, connector.NewError(connector.KindAuthRejected, "credentials rejected", nil)
	}
	reg, repo, _ := newTestRegistry(t, mock)

	inst := &models.Instance{OwnerID: uuid.New(), Name: "revoked", Endpoint: "https://a.example.com", Status: models.InstanceStatusConnected}
	require.NoError(t, repo.Create(context.Background(), inst))

	err := reg.ProbeInstance(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, models.InstanceStatusError, inst.Status)
}

func TestProbeAllSkipsErrorInstances(t *testing.T) {
	mock := connector.NewMockConnector()
	reg, repo, _ := newTestRegistry(t, mock)

	healthy := &models.Instance{OwnerID: uuid.New(), Name: "ok", Endpoint: "https://a.example.com", Status: models.InstanceStatusConnected}
	broken := &models.Instance{OwnerID: uuid.New(), Name: "revoked", Endpoint: "https://b.example.com", Status: models.InstanceStatusError}
	require.NoError(t, repo.Create(context.Background(), healthy))
	require.NoError(t, repo.Create(context.Background(), broken))

	require.NoError(t, reg.ProbeAll(context.Background(), 4))
	assert.Equal(t, 1, mock.ProbeCalls, "error instance must wait for explicit reconnect")
}

func TestReconnectResetsErrorAndProbes(t *testing.T) {
	mock := connector.NewMockConnector()
	reg, repo, _ := newTestRegistry(t, mock)

	owner := uuid.New()
	lastErr := "credentials rejected"
	inst := &models.Instance{
		OwnerID:             owner,
		Name:                "revoked",
		Endpoint:            "https://a.example.com",
		Status:              models.InstanceStatusError,
		ConsecutiveFailures: 7,
		LastError:           &lastErr,
	}
	require.NoError(t, repo.Create(context.Background(), inst))

	got, err := reg.Reconnect(context.Background(), owner, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusConnected, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 1, mock.ProbeCalls)
}

func TestReconnectScopedToOwner(t *testing.T) {
	reg, repo, _ := newTestRegistry(t, connector.NewMockConnector())

	inst := &models.Instance{OwnerID: uuid.New(), Name: "theirs", Endpoint: "https://a.example.com", Status: models.InstanceStatusError}
	require.NoError(t, repo.Create(context.Background(), inst))

	_, err := reg.Reconnect(context.Background(), uuid.New(), inst.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestProbeAllBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64

	mock := connector.NewMockConnector()
	mock.ProbeFunc = func(ctx context.Context, instance *models.Instance) (connector.ProbeOutcome, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return connector.ProbeHealthy, nil
	}
	reg, repo, _ := newTestRegistry(t, mock)

	for i := 0; i < 5; i++ {
		inst := &models.Instance{
			OwnerID:  uuid.New(),
			Name:     "inst",
			Endpoint: "https://a.example.com",
			Status:   models.InstanceStatusConnected,
		}
		inst.Endpoint = "https://a.example.com/" + uuid.NewString()
		require.NoError(t, repo.Create(context.Background(), inst))
	}

	require.NoError(t, reg.ProbeAll(context.Background(), 2))
	assert.LessOrEqual(t, maxInFlight.Load(), int64(2), "no more than limit probes in flight")
}

func TestGetUnknownInstance(t *testing.T) {
	reg, _, _ := newTestRegistry(t, connector.NewMockConnector())

	_, err := reg.Get(context.Background(), uuid.New(), uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
