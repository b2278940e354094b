package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/hypervisor"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/pkg/logger"
	"conductor.io/conductor/internal/vmops"
)

func init() {
	_ = logger.Init("error", "json")
}

var errBoom = errors.New("boom")

type memStore struct {
	mu         sync.Mutex
	instances  map[string]*domain.Instance
	migrations map[string]*domain.Migration
	tasks      []domain.TaskState
	cleared    []string
}

func newMemStore(insts ...*domain.Instance) *memStore {
	s := &memStore{instances: map[string]*domain.Instance{}, migrations: map[string]*domain.Migration{}}
	for _, inst := range insts {
		s.instances[inst.UUID] = inst
	}
	return s
}

func (s *memStore) GetInstance(_ context.Context, uuid string) (*domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[uuid]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *memStore) UpdateInstance(_ context.Context, uuid string, u domain.InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[uuid]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if u.Progress != nil {
		inst.Progress = *u.Progress
	}
	if u.VMMode != nil {
		inst.VMMode = *u.VMMode
	}
	if u.VMState != nil {
		inst.VMState = *u.VMState
	}
	if u.TaskState != nil {
		inst.TaskState = *u.TaskState
		s.tasks = append(s.tasks, *u.TaskState)
	}
	if u.PowerState != nil {
		inst.PowerState = *u.PowerState
	}
	if u.RootGB != nil {
		inst.RootGB = *u.RootGB
	}
	return nil
}

func (s *memStore) ListHungRebooting(context.Context, time.Duration) ([]*domain.Instance, error) {
	return nil, nil
}

func (s *memStore) ListUnconfirmedMigrations(context.Context, time.Duration) ([]*domain.Migration, error) {
	return nil, nil
}

func (s *memStore) UpdateMigration(_ context.Context, id string, u domain.MigrationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.migrations[id]
	if !ok {
		return domain.ErrMigrationNotFound
	}
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.Disks != nil {
		m.Disks = *u.Disks
	}
	return nil
}

func (s *memStore) CreateMigration(_ context.Context, m *domain.Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = fmt.Sprintf("m-%d", len(s.migrations)+1)
	}
	if m.Status == "" {
		m.Status = domain.MigrationStatusMigrating
	}
	cp := *m
	s.migrations[m.ID] = &cp
	return nil
}

func (s *memStore) GetMigration(_ context.Context, id string) (*domain.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.migrations[id]
	if !ok {
		return nil, domain.ErrMigrationNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) migration(id string) domain.Migration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.migrations[id]
}

func (s *memStore) FinishedMigrationForInstance(_ context.Context, uuid string) (*domain.Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.migrations {
		if m.InstanceUUID == uuid && m.Status == domain.MigrationStatusFinished {
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.ErrMigrationNotFound
}

func (s *memStore) ClearAdminPass(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, uuid)
	if inst, ok := s.instances[uuid]; ok {
		inst.AdminPass = ""
	}
	return nil
}

func (s *memStore) instance(uuid string) domain.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.instances[uuid]
}

type fakeWorkflows struct {
	spawnErr   error
	rebootErr  error
	confirmErr error
	opErr      error
	migrateErr error
	finishErr  error
	spawned    []string
	reboots    []domain.RebootType
	confirmed  []string
	ops        []string

	disks       domain.MigrationDisks
	networks    map[string]domain.NetworkInfo
	finishedGB  int
	finishGrow  bool
	migratedTo  string
	migrateSize int
	snapshots   []string
}

func (f *fakeWorkflows) network(op string, n domain.NetworkInfo) {
	if f.networks == nil {
		f.networks = map[string]domain.NetworkInfo{}
	}
	f.networks[op] = n
}

func (f *fakeWorkflows) MigrateDiskAndPowerOff(_ context.Context, _ *domain.Instance, dest string, newRootGB int) (domain.MigrationDisks, error) {
	f.ops = append(f.ops, "migrate")
	f.migratedTo, f.migrateSize = dest, newRootGB
	if f.migrateErr != nil {
		return domain.MigrationDisks{}, f.migrateErr
	}
	return f.disks, nil
}

func (f *fakeWorkflows) FinishMigration(_ context.Context, inst *domain.Instance, _ domain.MigrationDisks,
	network domain.NetworkInfo, _ hypervisor.ImageMeta, resize bool) error {
	f.ops = append(f.ops, "finish_migration")
	f.network("finish_migration", network)
	f.finishedGB, f.finishGrow = inst.RootGB, resize
	return f.finishErr
}

func (f *fakeWorkflows) FinishRevertMigration(context.Context, *domain.Instance) error {
	return f.record("finish_revert")
}

func (f *fakeWorkflows) Rescue(_ context.Context, _ *domain.Instance, network domain.NetworkInfo, _ hypervisor.ImageMeta) error {
	f.network("rescue", network)
	return f.record("rescue")
}

func (f *fakeWorkflows) Unrescue(context.Context, *domain.Instance) error { return f.record("unrescue") }

func (f *fakeWorkflows) Snapshot(_ context.Context, _ *domain.Instance, imageID string) error {
	f.snapshots = append(f.snapshots, imageID)
	return f.record("snapshot")
}

func (f *fakeWorkflows) record(op string) error {
	f.ops = append(f.ops, op)
	return f.opErr
}

func (f *fakeWorkflows) Destroy(_ context.Context, _ *domain.Instance, network domain.NetworkInfo) error {
	f.network("destroy", network)
	return f.record("destroy")
}

func (f *fakeWorkflows) Pause(context.Context, *domain.Instance) error    { return f.record("pause") }
func (f *fakeWorkflows) Unpause(context.Context, *domain.Instance) error  { return f.record("unpause") }
func (f *fakeWorkflows) Suspend(context.Context, *domain.Instance) error  { return f.record("suspend") }
func (f *fakeWorkflows) Resume(context.Context, *domain.Instance) error   { return f.record("resume") }
func (f *fakeWorkflows) PowerOn(context.Context, *domain.Instance) error  { return f.record("power_on") }
func (f *fakeWorkflows) PowerOff(context.Context, *domain.Instance) error { return f.record("power_off") }

func (f *fakeWorkflows) Spawn(_ context.Context, inst *domain.Instance, _ hypervisor.ImageMeta, _ domain.NetworkInfo) error {
	f.spawned = append(f.spawned, inst.UUID)
	return f.spawnErr
}

func (f *fakeWorkflows) Reboot(_ context.Context, _ *domain.Instance, rebootType domain.RebootType) error {
	f.reboots = append(f.reboots, rebootType)
	return f.rebootErr
}

func (f *fakeWorkflows) ConfirmMigration(_ context.Context, inst *domain.Instance, network domain.NetworkInfo) error {
	f.network("confirm", network)
	f.confirmed = append(f.confirmed, inst.UUID)
	return f.confirmErr
}

func testNetwork() domain.NetworkInfo {
	return domain.NetworkInfo{{Mapping: domain.VIFMapping{MAC: "aa:bb:cc:dd:ee:ff"}}}
}

func building(uuid string) *domain.Instance {
	return &domain.Instance{
		UUID:      uuid,
		Name:      "instance-" + uuid,
		VMState:   domain.VMStateBuilding,
		AdminPass: "pw",
	}
}

func TestComputeService_Spawn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success activates and clears password", func(t *testing.T) {
		store := newMemStore(building("a"))
		ops := &fakeWorkflows{}
		svc := NewComputeService(ops, store)

		require.NoError(t, svc.Spawn(ctx, SpawnRequest{InstanceUUID: "a"}))
		got := store.instance("a")
		require.Equal(t, domain.VMStateActive, got.VMState)
		require.Equal(t, domain.TaskStateNone, got.TaskState)
		require.Equal(t, domain.PowerStateRunning, got.PowerState)
		require.Equal(t, []domain.TaskState{domain.TaskStateSpawning, domain.TaskStateNone}, store.tasks)
		require.Equal(t, []string{"a"}, store.cleared)
	})

	t.Run("failure marks error", func(t *testing.T) {
		store := newMemStore(building("a"))
		svc := NewComputeService(&fakeWorkflows{spawnErr: errBoom}, store)

		err := svc.Spawn(ctx, SpawnRequest{InstanceUUID: "a"})
		require.ErrorIs(t, err, errBoom)
		got := store.instance("a")
		require.Equal(t, domain.VMStateError, got.VMState)
		require.Equal(t, domain.TaskStateNone, got.TaskState)
		require.Empty(t, store.cleared)
	})

	t.Run("active instance is skipped", func(t *testing.T) {
		inst := building("a")
		inst.VMState = domain.VMStateActive
		ops := &fakeWorkflows{}
		svc := NewComputeService(ops, newMemStore(inst))

		require.NoError(t, svc.Spawn(ctx, SpawnRequest{InstanceUUID: "a"}))
		require.Empty(t, ops.spawned)
	})

	t.Run("unacceptable state", func(t *testing.T) {
		inst := building("a")
		inst.VMState = domain.VMStateError
		svc := NewComputeService(&fakeWorkflows{}, newMemStore(inst))

		err := svc.Spawn(ctx, SpawnRequest{InstanceUUID: "a"})
		require.True(t, apperrors.HasCode(err, apperrors.CodeInstanceUnacceptable))
	})

	t.Run("missing instance", func(t *testing.T) {
		svc := NewComputeService(&fakeWorkflows{}, newMemStore())
		err := svc.Spawn(ctx, SpawnRequest{InstanceUUID: "nope"})
		require.ErrorIs(t, err, domain.ErrInstanceNotFound)
	})
}

func TestComputeService_Reboot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name       string
		rebootType domain.RebootType
		err        error
		wantTasks  []domain.TaskState
		wantState  domain.VMState
	}{
		{
			name:       "hard",
			rebootType: domain.RebootHard,
			wantTasks:  []domain.TaskState{domain.TaskStateRebootingHard, domain.TaskStateNone},
			wantState:  domain.VMStateActive,
		},
		{
			name:       "soft",
			rebootType: domain.RebootSoft,
			wantTasks:  []domain.TaskState{domain.TaskStateRebooting, domain.TaskStateNone},
			wantState:  domain.VMStateActive,
		},
		{
			name:       "failure resets task state",
			rebootType: domain.RebootHard,
			err:        errBoom,
			wantTasks:  []domain.TaskState{domain.TaskStateRebootingHard, domain.TaskStateNone},
			wantState:  domain.VMStateStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateStopped, TaskState: domain.TaskStateRebooting}
			store := newMemStore(inst)
			ops := &fakeWorkflows{rebootErr: tt.err}
			svc := NewComputeService(ops, store)

			cp := *inst
			err := svc.Reboot(ctx, &cp, tt.rebootType)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, []domain.RebootType{tt.rebootType}, ops.reboots)
			require.Equal(t, tt.wantTasks, store.tasks)
			require.Equal(t, tt.wantState, store.instance("a").VMState)
		})
	}
}

func TestComputeService_ConfirmResize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newFixture := func(confirmErr error) (*memStore, *fakeWorkflows, *ComputeService) {
		inst := &domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateResized, TaskState: domain.TaskStateResizeVerify}
		store := newMemStore(inst)
		store.migrations["m-1"] = &domain.Migration{
			ID:           "m-1",
			InstanceUUID: "a",
			Status:       domain.MigrationStatusFinished,
			Network:      testNetwork(),
		}
		ops := &fakeWorkflows{confirmErr: confirmErr}
		return store, ops, NewComputeService(ops, store)
	}

	t.Run("confirms migration", func(t *testing.T) {
		store, ops, svc := newFixture(nil)
		inst, err := store.GetInstance(ctx, "a")
		require.NoError(t, err)

		require.NoError(t, svc.ConfirmResize(ctx, inst))
		require.Equal(t, []string{"a"}, ops.confirmed)
		require.Equal(t, testNetwork(), ops.networks["confirm"])
		require.Equal(t, domain.MigrationStatusConfirmed, store.migrations["m-1"].Status)
		require.Equal(t, domain.VMStateActive, store.instance("a").VMState)
		require.Equal(t, domain.TaskStateNone, store.instance("a").TaskState)
	})

	t.Run("hypervisor failure leaves migration finished", func(t *testing.T) {
		store, _, svc := newFixture(errBoom)
		inst, err := store.GetInstance(ctx, "a")
		require.NoError(t, err)

		require.ErrorIs(t, svc.ConfirmResize(ctx, inst), errBoom)
		require.Equal(t, domain.MigrationStatusFinished, store.migrations["m-1"].Status)
		require.Equal(t, domain.TaskStateResizeVerify, store.instance("a").TaskState)
	})

	t.Run("no migration", func(t *testing.T) {
		store, ops, svc := newFixture(nil)
		store.migrations["m-1"].Status = domain.MigrationStatusConfirmed
		inst, err := store.GetInstance(ctx, "a")
		require.NoError(t, err)

		require.ErrorIs(t, svc.ConfirmResize(ctx, inst), domain.ErrMigrationNotFound)
		require.Empty(t, ops.confirmed)
	})
}

func TestComputeService_Power(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		op        PowerOperation
		wantState domain.VMState
		wantPower domain.PowerState
	}{
		{PowerPause, domain.VMStatePaused, domain.PowerStatePaused},
		{PowerUnpause, domain.VMStateActive, domain.PowerStateRunning},
		{PowerSuspend, domain.VMStateSuspended, domain.PowerStateSuspended},
		{PowerResume, domain.VMStateActive, domain.PowerStateRunning},
		{PowerOn, domain.VMStateActive, domain.PowerStateRunning},
		{PowerOff, domain.VMStateStopped, domain.PowerStateShutoff},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateActive})
			ops := &fakeWorkflows{}
			svc := NewComputeService(ops, store)

			require.True(t, ValidPowerOperation(tt.op))
			require.NoError(t, svc.Power(ctx, "a", tt.op))
			require.Equal(t, []string{string(tt.op)}, ops.ops)
			got := store.instance("a")
			require.Equal(t, tt.wantState, got.VMState)
			require.Equal(t, tt.wantPower, got.PowerState)
		})
	}

	t.Run("reboot routes through Reboot", func(t *testing.T) {
		store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateActive})
		ops := &fakeWorkflows{}
		require.NoError(t, NewComputeService(ops, store).Power(ctx, "a", PowerHardBoot))
		require.Equal(t, []domain.RebootType{domain.RebootHard}, ops.reboots)
	})

	t.Run("unknown operation", func(t *testing.T) {
		store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a"})
		require.False(t, ValidPowerOperation("explode"))
		err := NewComputeService(&fakeWorkflows{}, store).Power(ctx, "a", "explode")
		require.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
	})

	t.Run("failure keeps state", func(t *testing.T) {
		store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateActive})
		err := NewComputeService(&fakeWorkflows{opErr: errBoom}, store).Power(ctx, "a", PowerPause)
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, domain.VMStateActive, store.instance("a").VMState)
	})
}

func TestComputeService_Destroy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("marks deleted", func(t *testing.T) {
		store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateActive})
		ops := &fakeWorkflows{}
		require.NoError(t, NewComputeService(ops, store).Destroy(ctx, "a", nil))
		require.Equal(t, []string{"destroy"}, ops.ops)
		require.Equal(t, domain.VMStateDeleted, store.instance("a").VMState)
	})

	t.Run("already deleted is a no-op", func(t *testing.T) {
		store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateDeleted})
		ops := &fakeWorkflows{}
		require.NoError(t, NewComputeService(ops, store).Destroy(ctx, "a", nil))
		require.Empty(t, ops.ops)
	})

	t.Run("missing record", func(t *testing.T) {
		require.NoError(t, NewComputeService(&fakeWorkflows{}, newMemStore()).Destroy(ctx, "a", nil))
	})

	t.Run("failure marks error", func(t *testing.T) {
		store := newMemStore(&domain.Instance{UUID: "a", Name: "instance-a", VMState: domain.VMStateActive})
		err := NewComputeService(&fakeWorkflows{opErr: errBoom}, store).Destroy(ctx, "a", nil)
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, domain.VMStateError, store.instance("a").VMState)
	})
}

func TestComputeService_SpawnWithVMOps(t *testing.T) {
	t.Parallel()

	mock := hypervisor.NewMock()
	inst := &domain.Instance{
		UUID:     "4f1c2d3e-0000-4000-8000-000000000002",
		Name:     "instance-00000002",
		Hostname: "web-2",
		RootGB:   1,
		OSType:   "linux",
		VMMode:   domain.VMModePV,
		VMState:  domain.VMStateBuilding,
	}
	store := newMemStore(inst)
	cfg := vmops.DefaultConfig()
	cfg.RunningPollInterval = time.Millisecond
	cfg.AgentVersionTimeout = 0
	cfg.AgentPollInterval = time.Millisecond
	ops := vmops.New(mock.NewDriver(), store, cfg)

	svc := NewComputeService(ops, store)
	require.NoError(t, svc.Spawn(context.Background(), SpawnRequest{
		InstanceUUID: inst.UUID,
		Image:        hypervisor.ImageMeta{ID: "img-1"},
	}))

	got := store.instance(inst.UUID)
	require.Equal(t, domain.VMStateActive, got.VMState)
	require.Equal(t, 100, got.Progress)
	_, _, ok := mock.VMByName(inst.Name)
	require.True(t, ok)
}
